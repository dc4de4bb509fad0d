// Package dom maintains a queryable, multi-key index over the rendered page.
//
// An Index is immutable once built. Live owns the current Index together
// with the DOM epoch and replaces it wholesale on rebuild, so readers never
// observe a half-built index.
package dom

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// KeyKind selects one of the index's lookup maps.
type KeyKind string

const (
	KeyText        KeyKind = "text"
	KeyWord        KeyKind = "word"
	KeyLabel       KeyKind = "label"
	KeyRole        KeyKind = "role"
	KeyTestID      KeyKind = "testid"
	KeyTestIDWord  KeyKind = "testid_word"
	KeyPlaceholder KeyKind = "placeholder"
	KeyName        KeyKind = "name"
	KeyFingerprint KeyKind = "fingerprint"
	KeyRef         KeyKind = "ref"
)

// GridSize is the spatial grid cell size in pixels.
const GridSize = 100

// DefaultNearDistance bounds "near X" queries when no distance is configured.
const DefaultNearDistance = 500.0

// Snapshot is the render-tree capture a driver hands to Build.
type Snapshot struct {
	URL     string    `json:"url"`
	Title   string    `json:"title,omitempty"`
	Nodes   []RawNode `json:"nodes"`
	TakenAt time.Time `json:"taken_at"`
}

type cell struct{ x, y int }

// Index is an immutable multi-map from key values to descriptors.
type Index struct {
	epoch    uint64
	url      string
	builtAt  time.Time
	duration time.Duration

	elements []*Descriptor
	keys     map[KeyKind]map[string][]*Descriptor
	grid     map[cell][]*Descriptor
}

// Stats summarizes an index for diagnostics.
type Stats struct {
	Epoch       uint64          `json:"epoch"`
	URL         string          `json:"url"`
	Elements    int             `json:"elements"`
	Interactive int             `json:"interactive"`
	Keys        map[KeyKind]int `json:"keys"`
	GridCells   int             `json:"grid_cells"`
	BuildTime   time.Duration   `json:"build_time"`
	BuiltAt     time.Time       `json:"built_at"`
}

// Build indexes every node of the snapshot. A snapshot without interactive
// elements produces an empty but usable index.
func Build(snap Snapshot, epoch uint64) *Index {
	start := time.Now()
	ix := &Index{
		epoch:    epoch,
		url:      snap.URL,
		elements: make([]*Descriptor, 0, len(snap.Nodes)),
		keys:     make(map[KeyKind]map[string][]*Descriptor),
		grid:     make(map[cell][]*Descriptor),
	}
	for i, n := range snap.Nodes {
		if n.Order == 0 {
			n.Order = i
		}
		ix.insert(newDescriptor(n))
	}
	sort.SliceStable(ix.elements, func(i, j int) bool {
		return ix.elements[i].Order < ix.elements[j].Order
	})
	ix.builtAt = time.Now()
	ix.duration = ix.builtAt.Sub(start)
	return ix
}

func (ix *Index) insert(d *Descriptor) {
	ix.elements = append(ix.elements, d)

	if d.Ref != "" {
		ix.add(KeyRef, d.Ref, d)
	}
	ix.add(KeyFingerprint, d.Fingerprint, d)

	if !d.InCodeContainer && d.Text != "" {
		text := normalizeKey(d.Text)
		ix.add(KeyText, text, d)
		for _, w := range words(text) {
			ix.add(KeyWord, w, d)
		}
	}
	if d.AriaLabel != "" {
		ix.add(KeyLabel, normalizeKey(d.AriaLabel), d)
	}
	if d.AccessibleName != "" && !strings.EqualFold(d.AccessibleName, d.AriaLabel) {
		// A name computed from code text is still code text.
		if !d.InCodeContainer || d.AccessibleName != d.Text {
			ix.add(KeyLabel, normalizeKey(d.AccessibleName), d)
		}
	}
	if d.Role != "" {
		ix.add(KeyRole, d.Role, d)
	}
	if d.TestID != "" {
		ix.add(KeyTestID, normalizeKey(d.TestID), d)
		for _, w := range identifierWords(d.TestID) {
			ix.add(KeyTestIDWord, w, d)
		}
	}
	if d.Placeholder != "" {
		ix.add(KeyPlaceholder, normalizeKey(d.Placeholder), d)
	}
	if d.Name != "" {
		ix.add(KeyName, normalizeKey(d.Name), d)
	}
	if d.ID != "" && !strings.EqualFold(d.ID, d.Name) {
		ix.add(KeyName, normalizeKey(d.ID), d)
	}

	cx, cy := d.Box.Center()
	c := cellOf(cx, cy)
	ix.grid[c] = append(ix.grid[c], d)
}

func (ix *Index) add(kind KeyKind, value string, d *Descriptor) {
	if value == "" {
		return
	}
	m, ok := ix.keys[kind]
	if !ok {
		m = make(map[string][]*Descriptor)
		ix.keys[kind] = m
	}
	for _, existing := range m[value] {
		if existing == d {
			return
		}
	}
	m[value] = append(m[value], d)
}

// Query returns the descriptors stored under value for the given key kind,
// in document order.
func (ix *Index) Query(kind KeyKind, value string) []*Descriptor {
	if ix == nil {
		return nil
	}
	switch kind {
	case KeyRef, KeyFingerprint:
		value = strings.TrimSpace(value)
	case KeyRole:
		value = strings.ToLower(strings.TrimSpace(value))
	default:
		value = normalizeKey(value)
	}
	found := ix.keys[kind][value]
	out := make([]*Descriptor, len(found))
	copy(out, found)
	sortByOrder(out)
	return out
}

// ByRef returns the descriptor with the given driver ref.
func (ix *Index) ByRef(ref string) (*Descriptor, bool) {
	found := ix.Query(KeyRef, ref)
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

// Phrase returns exact text matches, or failing that, elements whose text
// contains every word of the phrase.
func (ix *Index) Phrase(phrase string) []*Descriptor {
	if ix == nil {
		return nil
	}
	if exact := ix.Query(KeyText, phrase); len(exact) > 0 {
		return exact
	}
	ws := words(normalizeKey(phrase))
	if len(ws) == 0 {
		return nil
	}
	candidates := make(map[*Descriptor]int)
	for _, d := range ix.keys[KeyWord][ws[0]] {
		candidates[d] = 1
	}
	for _, w := range ws[1:] {
		for _, d := range ix.keys[KeyWord][w] {
			if n, ok := candidates[d]; ok {
				candidates[d] = n + 1
			}
		}
	}
	var out []*Descriptor
	for d, n := range candidates {
		if n == len(ws) {
			out = append(out, d)
		}
	}
	sortByOrder(out)
	return out
}

// Near keeps the candidates whose center lies within maxDistance of the
// anchor's center, closest first. Ties keep document order.
func (ix *Index) Near(candidates []*Descriptor, anchor *Descriptor, maxDistance float64) []*Descriptor {
	if anchor == nil || len(candidates) == 0 {
		return candidates
	}
	if maxDistance <= 0 {
		maxDistance = DefaultNearDistance
	}

	reachable := make(map[*Descriptor]bool)
	ax, ay := anchor.Box.Center()
	center := cellOf(ax, ay)
	radius := int(math.Ceil(maxDistance / GridSize))
	for gx := center.x - radius; gx <= center.x+radius; gx++ {
		for gy := center.y - radius; gy <= center.y+radius; gy++ {
			for _, d := range ix.grid[cell{gx, gy}] {
				reachable[d] = true
			}
		}
	}

	type scored struct {
		d    *Descriptor
		dist float64
	}
	var kept []scored
	for _, d := range candidates {
		if d == anchor || !reachable[d] {
			continue
		}
		if dist := d.Box.DistanceTo(anchor.Box); dist <= maxDistance {
			kept = append(kept, scored{d, dist})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].dist != kept[j].dist {
			return kept[i].dist < kept[j].dist
		}
		return kept[i].d.Order < kept[j].d.Order
	})
	out := make([]*Descriptor, len(kept))
	for i, s := range kept {
		out[i] = s.d
	}
	return out
}

// InRegion returns elements whose center lies in the rectangle.
func (ix *Index) InRegion(x, y, width, height float64) []*Descriptor {
	if ix == nil {
		return nil
	}
	start := cellOf(x, y)
	end := cellOf(x+width, y+height)
	var out []*Descriptor
	for gx := start.x; gx <= end.x; gx++ {
		for gy := start.y; gy <= end.y; gy++ {
			for _, d := range ix.grid[cell{gx, gy}] {
				cx, cy := d.Box.Center()
				if cx >= x && cx <= x+width && cy >= y && cy <= y+height {
					out = append(out, d)
				}
			}
		}
	}
	sortByOrder(out)
	return out
}

// Elements returns every indexed descriptor in document order.
func (ix *Index) Elements() []*Descriptor {
	if ix == nil {
		return nil
	}
	out := make([]*Descriptor, len(ix.elements))
	copy(out, ix.elements)
	return out
}

// Len returns the number of indexed elements.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.elements)
}

// Epoch returns the DOM epoch the index was built for.
func (ix *Index) Epoch() uint64 { return ix.epoch }

// URL returns the page URL at build time.
func (ix *Index) URL() string { return ix.url }

// BuiltAt returns the build completion time.
func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

// Stats returns size information about the index.
func (ix *Index) Stats() Stats {
	s := Stats{
		Epoch:     ix.epoch,
		URL:       ix.url,
		Elements:  len(ix.elements),
		Keys:      make(map[KeyKind]int, len(ix.keys)),
		GridCells: len(ix.grid),
		BuildTime: ix.duration,
		BuiltAt:   ix.builtAt,
	}
	for kind, m := range ix.keys {
		s.Keys[kind] = len(m)
	}
	for _, d := range ix.elements {
		if d.IsInteractive() {
			s.Interactive++
		}
	}
	return s
}

func cellOf(x, y float64) cell {
	return cell{int(math.Floor(x / GridSize)), int(math.Floor(y / GridSize))}
}

func sortByOrder(ds []*Descriptor) {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Order < ds[j].Order })
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func words(normalized string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 2 {
			out = append(out, w)
		}
	}
	return out
}

// identifierWords splits test ids such as "loginButton_v2" or "submit-form"
// into lowercase words.
func identifierWords(id string) []string {
	var b strings.Builder
	prevLower := false
	for _, r := range id {
		if unicode.IsUpper(r) && prevLower {
			b.WriteRune(' ')
		}
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		b.WriteRune(unicode.ToLower(r))
	}
	return words(b.String())
}
