package ioloop

const jumpMagic = uint64(2862933555777941757)

// jumpHash maps key onto one of numBuckets buckets (Lamping & Veach), moving only 1/n of
// the keys when a bucket is added. It returns -1 when numBuckets is not positive.
func jumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return -1
	}
	b, j := int64(-1), int64(0)
	for j < int64(numBuckets) {
		b = j
		key = key*jumpMagic + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
