package dimse

import (
	"sync"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tag identifies a data element.
type Tag = tag.Tag

// Entry describes a dictionary attribute.
type Entry struct {
	Tag     Tag
	VR      string
	Keyword string
}

type lookup struct {
	entry Entry
	ok    bool
}

// tag.FindByKeyword scans the whole dictionary, so results are kept.
var keywords sync.Map

// LookupKeyword returns the standard dictionary entry for a keyword. Only
// exact keywords match, not the attribute's display name.
func LookupKeyword(keyword string) (Entry, bool) {
	if v, ok := keywords.Load(keyword); ok {
		l := v.(lookup)
		return l.entry, l.ok
	}
	var l lookup
	if info, err := tag.FindByKeyword(keyword); err == nil && info.Keyword == keyword {
		l = lookup{entry: entryFrom(info), ok: true}
	}
	keywords.Store(keyword, l)
	return l.entry, l.ok
}

// LookupTag returns the dictionary entry for a tag.
func LookupTag(t Tag) (Entry, bool) {
	info, err := tag.Find(t)
	if err != nil {
		return Entry{}, false
	}
	return entryFrom(info), true
}

func entryFrom(info tag.Info) Entry {
	return Entry{Tag: info.Tag, VR: info.VRs[0], Keyword: info.Keyword}
}
