package ingestion

import "container/list"

// CachedIdempotencyChecker layers an in-memory LRU over a slower checker
// (the Postgres record log). Keys seen recently are answered from memory;
// misses fall through to the database, and database hits are promoted into
// the cache. A database error degrades to "not duplicate" so a Postgres
// blip cannot stall ingestion; the record log's primary key still drops
// the replayed write.
type CachedIdempotencyChecker struct {
	lru *recordKeyLRU
	db  IdempotencyChecker
}

func NewCachedIdempotencyChecker(capacity int, db IdempotencyChecker) *CachedIdempotencyChecker {
	return &CachedIdempotencyChecker{
		lru: newRecordKeyLRU(capacity),
		db:  db,
	}
}

func (c *CachedIdempotencyChecker) IsDuplicate(recordKey string) (bool, error) {
	if c.lru.Contains(recordKey) {
		return true, nil
	}
	if c.db == nil {
		return false, nil
	}
	dup, err := c.db.IsDuplicate(recordKey)
	if err != nil {
		return false, nil
	}
	if dup {
		c.lru.Add(recordKey)
	}
	return dup, nil
}

// MarkProcessed records a key after its instruction was applied, so the
// next delivery is answered without a database round trip.
func (c *CachedIdempotencyChecker) MarkProcessed(recordKey string) {
	c.lru.Add(recordKey)
}

// Warm preloads recent keys, typically the newest record keys from
// Postgres at startup.
func (c *CachedIdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		c.lru.Add(key)
	}
}

// recordKeyLRU is a plain LRU set. Not thread-safe; only the dispatcher
// goroutine touches it.
type recordKeyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newRecordKeyLRU(capacity int) *recordKeyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &recordKeyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *recordKeyLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *recordKeyLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
	}
}

func (l *recordKeyLRU) Len() int {
	return l.order.Len()
}
