package catalog

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// Snapshot is one immutable catalog generation. It is never modified after
// it has been published.
type Snapshot struct {
	generation  uint64
	fingerprint uint64
	refreshedAt time.Time
	articles    map[string]ledger.Article
	members     map[string]ledger.Member
}

func newSnapshot(articles []ledger.Article, members []ledger.Member, generation, fingerprint uint64, refreshedAt time.Time) *Snapshot {
	s := &Snapshot{
		generation:  generation,
		fingerprint: fingerprint,
		refreshedAt: refreshedAt,
		articles:    make(map[string]ledger.Article, len(articles)),
		members:     make(map[string]ledger.Member, len(members)),
	}
	for _, a := range articles {
		s.articles[a.ID] = a
	}
	for _, m := range members {
		s.members[m.Keycode] = m
	}
	return s
}

// Generation is incremented on every published change. Zero means no
// catalog has ever been loaded.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Fingerprint is the content hash of the snapshot.
func (s *Snapshot) Fingerprint() uint64 { return s.fingerprint }

// RefreshedAt is when this generation was fetched.
func (s *Snapshot) RefreshedAt() time.Time { return s.refreshedAt }

// ArticleCount returns the number of articles.
func (s *Snapshot) ArticleCount() int { return len(s.articles) }

// MemberCount returns the number of keycode rows.
func (s *Snapshot) MemberCount() int { return len(s.members) }

// Article returns the article with the given id (barcode).
func (s *Snapshot) Article(id string) (ledger.Article, bool) {
	a, ok := s.articles[id]
	return a, ok
}

// Member returns the member row for a keycode.
func (s *Snapshot) Member(keycode string) (ledger.Member, bool) {
	m, ok := s.members[keycode]
	return m, ok
}

// Articles returns all articles ordered by id.
func (s *Snapshot) Articles() []ledger.Article {
	out := make([]ledger.Article, 0, len(s.articles))
	for _, a := range s.articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members returns all member rows ordered by keycode.
func (s *Snapshot) Members() []ledger.Member {
	out := make([]ledger.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Keycode < out[j].Keycode })
	return out
}

// fingerprint hashes articles and members in a canonical order. Both slices
// must already be sorted (articles by id, members by keycode).
func fingerprint(articles []ledger.Article, members []ledger.Member) uint64 {
	h := xxhash.New()
	field := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.WriteString(s)
	}

	field("articles")
	for _, a := range articles {
		field(a.ID)
		field(a.Designation)
		for _, p := range a.Prices {
			field(p.ValidFrom.Format(ledger.DateLayout))
			field(p.ValidTo.Format(ledger.DateLayout))
			field(p.UnitPrice.String())
			field(p.Tier)
		}
		field("")
	}

	field("members")
	for _, m := range members {
		field(m.Keycode)
		field(m.ID)
		field(m.Firstname)
		field(m.Lastname)
		field(m.Nickname)
		field(m.Tier)
	}
	return h.Sum64()
}
