package codec

import "fmt"

// Page is a read-only view over a decoded contiguous run of fixed-size
// records read from foreign memory (a shared-memory page or the local buffer
// an RDMA READ landed in). Names alias the page bytes; types and values are
// decoded into one contiguous slice each. Occupancy is always supplied by the
// caller from the out-of-band control region; it is never inferred from page
// bytes, since trailing, unwritten slots are not guaranteed to be zeroed.
type Page struct {
	names  [][]byte
	types  []RecordType
	values []float64
}

// DecodePage decodes the first occupancy records of page. occupancy must not
// exceed the number of whole records page holds.
func DecodePage(page []byte, occupancy int) (Page, error) {
	capacity := len(page) / RecordSize
	if occupancy < 0 || occupancy > capacity {
		return Page{}, fmt.Errorf("codec: occupancy %d out of range [0,%d]", occupancy, capacity)
	}

	p := Page{
		names:  make([][]byte, occupancy),
		types:  make([]RecordType, occupancy),
		values: make([]float64, occupancy),
	}

	for i := range occupancy {
		raw := page[i*RecordSize : (i+1)*RecordSize]
		name, typ, value := decodeRecord(raw)
		p.names[i] = name
		p.types[i] = typ
		p.values[i] = value
	}

	return p, nil
}

// Len returns the number of records in the page.
func (p Page) Len() int {
	return len(p.values)
}

// Name returns the best-effort text form of record i's name: trailing NUL
// bytes trimmed, no UTF-8 validation performed.
func (p Page) Name(i int) string {
	return string(trimName(p.names[i]))
}

// Names returns the name bytes for every record, already trimmed of
// trailing NUL padding.
func (p Page) Names() [][]byte {
	return p.names
}

// Types returns the record type of every record.
func (p Page) Types() []RecordType {
	return p.types
}

// Values returns the decoded floating point value of every record, in page
// order.
func (p Page) Values() []float64 {
	return p.values
}
