package audit

import (
	"time"

	"udpot/internal/query"
)

// Entry is the durable, append-only record of one observed query. It is written regardless of
// whether the query was forwarded.
type Entry struct {
	ID            int64     `json:"id"`
	Transport     string    `json:"transport"`
	SourceAddress string    `json:"source_address"`
	SourcePort    uint16    `json:"source_port"`
	QueryName     string    `json:"query_name"`
	QueryType     string    `json:"query_type"`
	QueryClass    string    `json:"query_class"`
	CreatedAt     time.Time `json:"created_at"`
}

// EntryFromEvent builds the audit counterpart of a query event. The event is expected to be well
// formed; a missing question yields empty query fields.
func EntryFromEvent(ev query.Event) Entry {
	q, _ := ev.Question()

	return Entry{
		Transport:     ev.Transport.String(),
		SourceAddress: ev.Source.Addr().Unmap().String(),
		SourcePort:    ev.Source.Port(),
		QueryName:     q.Name,
		QueryType:     q.Type,
		QueryClass:    q.Class,
		CreatedAt:     ev.ObservedAt,
	}
}
