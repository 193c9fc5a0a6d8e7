// Package revision holds commit metadata and the graph algorithms
// over revision parents.
package revision

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/t7a/weft/errs"
)

// Null is the revision before the first commit.
const Null = "null:"

// Revision is immutable once stored.  ParentIDs[0] is the mainline
// parent.
type Revision struct {
	ID            string
	Committer     string
	Timestamp     float64
	Timezone      int
	Message       string
	Properties    map[string]string
	ParentIDs     []string
	InventorySha1 string
}

// Time returns the commit time in the committer's zone.
func (r *Revision) Time() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(time.FixedZone("", r.Timezone))
}

// Nick returns the branch-nick property.
func (r *Revision) Nick() string { return r.Properties["branch-nick"] }

// IsNull reports whether id is the empty pre-history.
func IsNull(id string) bool { return id == "" || id == Null }

// Validate checks an id for use as a stored revision.
func Validate(id string) error {
	if !utf8.ValidString(id) {
		return &errs.BadParameterUnicode{Param: id}
	}
	if strings.ContainsAny(id, "\r\n") {
		return &errs.BadParameterContainsNewline{Param: id}
	}
	if id == "" || id == Null || strings.ContainsAny(id, " \t\v\f") {
		return &errs.InvalidRevisionID{RevisionID: id, In: "revision"}
	}
	return nil
}

var notIDChar = regexp.MustCompile(`[^\w@.+-]`)

// GenRevisionID makes a fresh id from the committer's address and the
// commit time.
func GenRevisionID(committer string, when time.Time) string {
	who := committer
	if i := strings.Index(who, "<"); i >= 0 {
		if j := strings.Index(who[i:], ">"); j > 0 {
			who = who[i+1 : i+j]
		}
	}
	who = notIDChar.ReplaceAllString(strings.ToLower(who), "")
	if who == "" {
		who = "weft"
	}
	rnd := strings.Replace(uuid.New().String(), "-", "", -1)[:16]
	return fmt.Sprintf("%s-%s-%s", who, when.UTC().Format("20060102150405"), rnd)
}
