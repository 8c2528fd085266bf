//go:build chm_cachelinesize_128

package opt

// CacheLineSize_ forced to 128 bytes via the chm_cachelinesize_128 tag.
const CacheLineSize_ = 128
