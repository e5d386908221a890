package sessions

// Source records how a session identifier was obtained.
type Source string

const (
	SourceQuery     Source = "query"
	SourceHeader    Source = "header"
	SourceGenerated Source = "generated"
	SourceSingle    Source = "single"
	SourceRecent    Source = "recent"
	SourceDefault   Source = "default"
)

// DefaultSessionID is the fixed label used as the last resolution tier.
const DefaultSessionID = "default"

// IsFallback reports whether the identifier was inferred rather than supplied.
func (s Source) IsFallback() bool {
	switch s {
	case SourceSingle, SourceRecent, SourceDefault:
		return true
	}
	return false
}
