package cart

// ActionKind names an action for logs and traces.
type ActionKind string

const (
	KindAddItem        ActionKind = "ADD_ITEM"
	KindRemoveItem     ActionKind = "REMOVE_ITEM"
	KindUpdateQuantity ActionKind = "UPDATE_QUANTITY"
	KindClear          ActionKind = "CLEAR"
	KindHydrate        ActionKind = "HYDRATE"
)

// Action is the closed set of state transitions. Only the types in this
// package implement it.
type Action interface {
	Kind() ActionKind
	sealed()
}

// AddItem merges Quantity into the line keyed by (Product.ID, Size, Color),
// appending a new line if none exists. No stock ceiling is enforced.
type AddItem struct {
	Product  Product
	Quantity int
	Options  Options
}

// RemoveItem drops the line with the given id.
type RemoveItem struct {
	LineID string
}

// UpdateQuantity sets a line's quantity. Quantity <= 0 removes the line.
type UpdateQuantity struct {
	LineID   string
	Quantity int
}

// Clear resets to the empty cart.
type Clear struct{}

// Hydrate replaces every line wholesale. Used only by the sync engine.
type Hydrate struct {
	Lines []Line
}

func (AddItem) Kind() ActionKind        { return KindAddItem }
func (RemoveItem) Kind() ActionKind     { return KindRemoveItem }
func (UpdateQuantity) Kind() ActionKind { return KindUpdateQuantity }
func (Clear) Kind() ActionKind          { return KindClear }
func (Hydrate) Kind() ActionKind        { return KindHydrate }

func (AddItem) sealed()        {}
func (RemoveItem) sealed()     {}
func (UpdateQuantity) sealed() {}
func (Clear) sealed()          {}
func (Hydrate) sealed()        {}

// Reduce applies an action to a state and returns the next state.
//
// Reduce is pure: the input state is never modified, and Total/ItemCount of
// the result are always recomputed from its lines.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case AddItem:
		return addItem(s, a)
	case RemoveItem:
		return removeItem(s, a.LineID)
	case UpdateQuantity:
		if a.Quantity <= 0 {
			return removeItem(s, a.LineID)
		}
		return updateQuantity(s, a)
	case Clear:
		return Empty()
	case Hydrate:
		return hydrate(a.Lines)
	default:
		return s
	}
}

func addItem(s State, a AddItem) State {
	if a.Quantity < 1 || a.Product.ID == "" {
		return s
	}

	key := NewKey(a.Product.ID, a.Options.Size, a.Options.Color)
	lines := make([]Line, 0, len(s.Lines)+1)
	merged := false
	for _, l := range s.Lines {
		if !merged && l.Key() == key {
			l.Quantity += a.Quantity
			if l.VariantID == "" {
				l.VariantID = a.Options.VariantID
			}
			merged = true
		}
		lines = append(lines, l)
	}
	if !merged {
		lines = append(lines, Line{
			ID:        key.LineID(),
			Product:   a.Product,
			Quantity:  a.Quantity,
			Size:      key.Size,
			Color:     key.Color,
			VariantID: a.Options.VariantID,
		})
	}
	return withLines(lines)
}

func removeItem(s State, lineID string) State {
	lines := make([]Line, 0, len(s.Lines))
	for _, l := range s.Lines {
		if l.ID != lineID {
			lines = append(lines, l)
		}
	}
	return withLines(lines)
}

func updateQuantity(s State, a UpdateQuantity) State {
	lines := make([]Line, len(s.Lines))
	copy(lines, s.Lines)
	for i := range lines {
		if lines[i].ID == a.LineID {
			lines[i].Quantity = a.Quantity
		}
	}
	return withLines(lines)
}

// hydrate copies the incoming lines, dropping non-positive quantities and
// folding lines that share a merge key into the first occurrence.
func hydrate(in []Line) State {
	lines := make([]Line, 0, len(in))
	index := make(map[Key]int, len(in))
	for _, l := range in {
		if l.Quantity < 1 || l.Product.ID == "" {
			continue
		}
		l.Size = normalizeLabel(l.Size)
		l.Color = normalizeLabel(l.Color)
		key := l.Key()
		if i, ok := index[key]; ok {
			lines[i].Quantity += l.Quantity
			continue
		}
		if l.ID == "" {
			l.ID = key.LineID()
		}
		index[key] = len(lines)
		lines = append(lines, l)
	}
	return withLines(lines)
}
