// Package clock implements the versioning protocol: the total order over
// writes given by (db_version, seq, site_id), and the rule that a local
// write (site_id = NULL) compares using the local replica's own site id.
package clock

import "bytes"

// Identity is the logical identity of a single change event: the tuple
// (db_version, seq, site_id) the total order ranks by. SiteID nil means
// "local site" and must be resolved against the caller's local site id
// before comparison (see Effective).
type Identity struct {
	DBVersion int64
	Seq       int64
	SiteID    []byte
}

// Effective substitutes the local site id for a nil SiteID: site_id = NULL
// iff the write originated on the local site, and a local site_id = NULL is
// treated as this site's own id for comparison purposes.
func Effective(id Identity, localSiteID []byte) Identity {
	if id.SiteID != nil {
		return id
	}
	out := id
	out.SiteID = localSiteID
	return out
}

// Compare orders two already-resolved identities: greater db_version wins,
// then greater seq, then greater site_id (lexicographic). Returns -1, 0, or
// 1 as a < b, a == b, a > b.
func Compare(a, b Identity) int {
	if a.DBVersion != b.DBVersion {
		return cmpInt64(a.DBVersion, b.DBVersion)
	}
	if a.Seq != b.Seq {
		return cmpInt64(a.Seq, b.Seq)
	}
	return bytes.Compare(a.SiteID, b.SiteID)
}

// StrictlyGreater reports whether candidate strictly outranks stored under
// this ordering, resolving local (nil) site ids against localSiteID first.
// This is the decision a merge keys its accept/reject choice on.
func StrictlyGreater(candidate, stored Identity, localSiteID []byte) bool {
	return Compare(Effective(candidate, localSiteID), Effective(stored, localSiteID)) > 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
