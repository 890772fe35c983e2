package page

// Split divides p in half by key count, moving the upper half into a
// freshly allocated sibling page. It returns the split key — the first
// key of the new right page, which the caller inserts into the parent
// index page alongside the right page's address (spec §4.2 "Split").
func (p *Page) Split() (right *Page, splitKey []byte) {
	mid := len(p.Blocks) / 2
	right = New(p.PageType, p.PageSize)
	right.RightSibling = p.RightSibling
	right.Generation = p.Generation

	keys := p.FullKeys()
	for i := mid; i < len(p.Blocks); i++ {
		right.Insert(keys[i], p.Tails[i].Payload)
	}

	splitKey = append([]byte(nil), keys[mid]...)
	p.Blocks = p.Blocks[:mid]
	p.Tails = p.Tails[:mid]
	p.invalidateFastIndex()
	return right, splitKey
}

// NeedsSplit reports whether the page has too little free space to
// reliably accept another entry of size-proportional-to-its-own-content
// and should be split before further insertion.
func (p *Page) NeedsSplit(margin int) bool {
	return p.FreeSpace() < margin
}

// Merge appends every key/tail from other onto the end of p, used when
// a delete leaves two sibling pages sparse enough to combine (spec §4.2
// "Delete / merge"). Callers are responsible for checking combined size
// fits PageSize before calling Merge.
func (p *Page) Merge(other *Page) {
	keys := other.FullKeys()
	for i, k := range keys {
		p.Insert(k, other.Tails[i].Payload)
	}
	p.RightSibling = other.RightSibling
	p.invalidateFastIndex()
}

// CombinedSize returns the used-bytes total if p and other were merged,
// for the caller to compare against PageSize before committing to Merge.
func (p *Page) CombinedSize(other *Page) int {
	return p.UsedBytes() + other.UsedBytes()
}
