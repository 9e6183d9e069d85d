package artifact

// Quota reports how many more bytes the cache may store.
type Quota interface {
	// Available returns the bytes that may still be written, given the
	// bytes the cache already holds.
	Available(used int64) (int64, error)
}

// QuotaFunc adapts a function to Quota.
type QuotaFunc func(used int64) (int64, error)

func (f QuotaFunc) Available(used int64) (int64, error) { return f(used) }

// diskQuota bounds writes by free space on the cache volume and, when
// max > 0, by a configured ceiling on the cache size.
type diskQuota struct {
	dir string
	max int64
}

func (q diskQuota) Available(used int64) (int64, error) {
	free, err := diskFree(q.dir)
	if q.max > 0 {
		capped := max(q.max-used, 0)
		if err != nil {
			return capped, nil
		}
		return min(free, capped), nil
	}
	if err != nil {
		return 0, err
	}
	return free, nil
}

// fits applies the safety margin rule: a body of size bytes is persisted only
// when size + SafetyMargin bytes are available.
func fits(size, available int64) bool {
	return available >= size+SafetyMargin
}
