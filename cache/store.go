package cache

// Store is the durable key/value substrate underneath the ProjectionCache.
// Keys are flat strings; values are opaque bytes. SetAll must apply all
// writes or none, so that a projection commit never leaves one key on a new
// snapshot while another still reflects the old one.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	SetAll(values map[string][]byte) error
	Del(key string) error
	DelPrefix(prefix string) error
	Close() error
}
