package cdp

import (
	"errors"

	"autosend/internal/surface"
)

// nodeInfo is the wire form of one page element, produced by the helper
// script. Ancestors are serialized shallowly (no grandparent chains inside
// them), nearest first.
type nodeInfo struct {
	ID        string            `json:"id"`
	Tag       string            `json:"tag"`
	Attrs     map[string]string `json:"attrs"`
	Text      string            `json:"text"`
	Rect      rectInfo          `json:"rect"`
	Visible   bool              `json:"visible"`
	Editable  bool              `json:"editable"`
	Ancestors []nodeInfo        `json:"ancestors,omitempty"`
}

type rectInfo struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// element is a query-time snapshot. Live reads go through Driver methods
// (ElementText and friends) keyed by the stable page-side id.
type element struct {
	info   nodeInfo
	parent *element
}

func newElement(info nodeInfo) *element {
	el := &element{info: info}
	cur := el
	for i := range info.Ancestors {
		p := &element{info: info.Ancestors[i]}
		cur.parent = p
		cur = p
	}
	return el
}

func (e *element) Tag() string { return e.info.Tag }

func (e *element) Attr(name string) string {
	if e.info.Attrs == nil {
		return ""
	}
	return e.info.Attrs[name]
}

func (e *element) Text() string { return e.info.Text }

func (e *element) Rect() surface.Rect {
	return surface.Rect{
		X: float64(e.info.Rect.X),
		Y: float64(e.info.Rect.Y),
		W: float64(e.info.Rect.W),
		H: float64(e.info.Rect.H),
	}
}

func (e *element) Visible() bool  { return e.info.Visible }
func (e *element) Editable() bool { return e.info.Editable }

func (e *element) Parent() surface.Element {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

func elementID(el surface.Element) (string, error) {
	ce, ok := el.(*element)
	if !ok || ce == nil || ce.info.ID == "" {
		return "", errors.New("element does not belong to this driver")
	}
	return ce.info.ID, nil
}
