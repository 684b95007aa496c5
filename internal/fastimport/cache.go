package fastimport

// MaxSimultaneousProcesses bounds how many fast-import children may be
// live at once across all repositories.
const MaxSimultaneousProcesses = 100

// Evictable is anything the cache can shut down to reclaim a process
// slot.
type Evictable interface {
	CloseFastImport() error
}

// Cache is an LRU of live fast-import processes. Touch on every write;
// the least recently touched repository is closed when the cache is
// full.
type Cache struct {
	limit int
	order []Evictable // least recently used first
}

// NewCache returns a cache holding at most limit processes. A limit of
// zero means MaxSimultaneousProcesses.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = MaxSimultaneousProcesses
	}
	return &Cache{limit: limit}
}

// Touch marks e as most recently used, evicting the oldest entries if
// the cache is over its limit. The first eviction error is returned
// after all required evictions ran.
func (c *Cache) Touch(e Evictable) error {
	c.Remove(e)
	var err error
	for len(c.order) >= c.limit {
		victim := c.order[0]
		c.order = c.order[1:]
		if cerr := victim.CloseFastImport(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.order = append(c.order, e)
	return err
}

// Remove drops e from the cache without closing it.
func (c *Cache) Remove(e Evictable) {
	for i, have := range c.order {
		if have == e {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// CloseAll shuts down every cached process, oldest first. Children
// must be torn down before the engine exits so marks files get
// flushed.
func (c *Cache) CloseAll() error {
	var err error
	for _, e := range c.order {
		if cerr := e.CloseFastImport(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.order = nil
	return err
}

// Len reports how many processes are cached.
func (c *Cache) Len() int { return len(c.order) }
