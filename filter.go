package dbusrt

import (
	"slices"
)

// FilterResult is the verdict of a [FilterFunc] on a message.
type FilterResult int

const (
	// FilterNotYetHandled passes the message on to the next filter,
	// and eventually to the inbound queue.
	FilterNotYetHandled FilterResult = iota
	// FilterHandled consumes the message.
	FilterHandled
	// FilterNeedMemory reports that the filter could not get the
	// resources it needed. It is fatal to the connection.
	FilterNeedMemory
)

func (r FilterResult) String() string {
	switch r {
	case FilterNotYetHandled:
		return "not_yet_handled"
	case FilterHandled:
		return "handled"
	case FilterNeedMemory:
		return "need_memory"
	}
	return "unknown"
}

// FilterFunc inspects an inbound message that is not a reply to a
// pending call. data is the value given to [Conn.AddFilter].
//
// Filters run on the goroutine that calls [Conn.Dispatch], without
// any connection lock held. They may send messages on c.
type FilterFunc func(c *Conn, m *Message, data any) FilterResult

// FilterID identifies a filter added with [Conn.AddFilter].
type FilterID uint64

type filter struct {
	id   FilterID
	fn   FilterFunc
	data any
	free func(any)
}

// AddFilter appends fn to the connection's filter chain. Filters see
// messages in the order they were added. If free is not nil, it is
// called with data when the filter is removed or the connection is
// closed.
func (c *Conn) AddFilter(fn FilterFunc, data any, free func(any)) FilterID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFilter++
	c.filters = append(c.filters, &filter{
		id:   c.lastFilter,
		fn:   fn,
		data: data,
		free: free,
	})
	return c.lastFilter
}

// RemoveFilter removes the filter id from the chain, and reports
// whether it was present. A dispatch already in progress may still
// call the filter one last time.
func (c *Conn) RemoveFilter(id FilterID) bool {
	c.mu.Lock()
	i := slices.IndexFunc(c.filters, func(f *filter) bool { return f.id == id })
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	f := c.filters[i]
	c.filters = slices.Delete(c.filters, i, i+1)
	c.mu.Unlock()

	if f.free != nil {
		f.free(f.data)
	}
	return true
}

// runFilters offers m to a snapshot of the filter chain.
func (c *Conn) runFilters(m *Message) FilterResult {
	c.mu.Lock()
	fs := slices.Clone(c.filters)
	c.mu.Unlock()

	for _, f := range fs {
		if res := f.fn(c, m, f.data); res != FilterNotYetHandled {
			return res
		}
	}
	return FilterNotYetHandled
}
