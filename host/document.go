package host

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoDocument is returned when no document is open.
var ErrNoDocument = errors.New("host: no document open")

// Level is a named elevation in the document.
type Level struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Elevation float64 `json:"elevation"`
}

// Document is a small in-memory model. Open and Close may be called from any
// goroutine; everything else must run on the loop.
type Document struct {
	loop *Loop

	mu     sync.Mutex
	title  string
	open   bool
	levels []Level
	nextID int
}

// NewDocument creates a closed document bound to loop.
func NewDocument(loop *Loop) *Document {
	return &Document{loop: loop, nextID: 1}
}

// Open starts a session on a fresh document.
func (d *Document) Open(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.title = title
	d.open = true
	d.levels = nil
	d.nextID = 1
}

// Close ends the session.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.levels = nil
}

// ActiveSession reports whether a document is open.
func (d *Document) ActiveSession() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Document) check() error {
	if !d.loop.InTask() {
		return ErrWrongThread
	}
	if !d.open {
		return ErrNoDocument
	}
	return nil
}

// Title returns the open document's title.
func (d *Document) Title() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return "", err
	}
	return d.title, nil
}

// Levels returns all levels ordered by elevation.
func (d *Document) Levels() ([]Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	out := make([]Level, len(d.levels))
	copy(out, d.levels)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Elevation < out[j].Elevation })
	return out, nil
}

// CreateLevel adds a level. Names must be unique.
func (d *Document) CreateLevel(name string, elevation float64) (Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return Level{}, err
	}
	for _, l := range d.levels {
		if l.Name == name {
			return Level{}, errors.New("a level named " + name + " already exists")
		}
	}
	level := Level{ID: d.nextID, Name: name, Elevation: elevation}
	d.nextID++
	d.levels = append(d.levels, level)
	return level, nil
}
