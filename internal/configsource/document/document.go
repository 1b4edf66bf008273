// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package document is the YAML layout shared by the file and object-storage sources.
//
// Two layouts are accepted when decoding. The structured layout carries versions:
//
//	revision: 12
//	entries:
//	  retry.timeout:
//	    value: "5000"
//	    version: 12
//	    updated_at: 2026-10-19T09:00:00Z
//
// The flat layout is a plain map of key to value, convenient for hand-written files:
//
//	retry.timeout: "5000"
//	store.mode: db
//
// Entries without a version are numbered in key order after the document revision.
// Encoding always produces the structured layout.
package document

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// Document is an in-memory copy of every entry plus the highest revision handed out.
type Document struct {
	Revision int64
	Entries  map[string]configsource.Entry
}

type layout struct {
	Revision int64                  `yaml:"revision"`
	Entries  map[string]layoutEntry `yaml:"entries"`
}

type layoutEntry struct {
	Value     string    `yaml:"value"`
	Version   int64     `yaml:"version,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// New returns an empty document.
func New() *Document {
	return &Document{Entries: make(map[string]configsource.Entry)}
}

// Decode parses data in either layout. Empty input yields an empty document.
func Decode(data []byte) (*Document, error) {
	doc := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}

	var shape map[string]yaml.Node
	if err := yaml.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("parsing configuration document: %w", err)
	}

	if node, ok := shape["entries"]; ok && node.Kind == yaml.MappingNode {
		var l layout
		if err := yaml.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("parsing structured configuration document: %w", err)
		}
		doc.Revision = l.Revision
		for k, e := range l.Entries {
			doc.Entries[k] = configsource.Entry{Key: k, Value: e.Value, Version: e.Version, UpdatedAt: e.UpdatedAt}
		}
	} else {
		var flat map[string]string
		if err := yaml.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("parsing flat configuration document: %w", err)
		}
		for k, v := range flat {
			doc.Entries[k] = configsource.Entry{Key: k, Value: v}
		}
	}

	for _, k := range doc.keys() {
		e := doc.Entries[k]
		if err := configsource.ValidateKey(k); err != nil {
			return nil, err
		}
		if e.Version > doc.Revision {
			doc.Revision = e.Version
		}
	}
	for _, k := range doc.keys() {
		e := doc.Entries[k]
		if e.Version == 0 {
			doc.Revision++
			e.Version = doc.Revision
			doc.Entries[k] = e
		}
	}
	return doc, nil
}

// Encode renders the structured layout. Keys come out sorted.
func (d *Document) Encode() ([]byte, error) {
	l := layout{Revision: d.Revision, Entries: make(map[string]layoutEntry, len(d.Entries))}
	for k, e := range d.Entries {
		l.Entries[k] = layoutEntry{Value: e.Value, Version: e.Version, UpdatedAt: e.UpdatedAt.UTC()}
	}
	out, err := yaml.Marshal(&l)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration document: %w", err)
	}
	return out, nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{Revision: d.Revision, Entries: make(map[string]configsource.Entry, len(d.Entries))}
	for k, e := range d.Entries {
		c.Entries[k] = e
	}
	return c
}

// Get returns the entry for key.
func (d *Document) Get(key string) (configsource.Entry, bool) {
	e, ok := d.Entries[key]
	return e, ok
}

// Put sets key to value under the next revision.
func (d *Document) Put(key, value string, now time.Time) configsource.WriteResult {
	var res configsource.WriteResult
	if prev, ok := d.Entries[key]; ok {
		res.Previous = &prev
	}
	d.Revision++
	res.Entry = configsource.Entry{Key: key, Value: value, Version: d.Revision, UpdatedAt: now}
	d.Entries[key] = res.Entry
	return res
}

// Delete removes key, reporting false if it was absent.
func (d *Document) Delete(key string) (configsource.DeleteResult, bool) {
	prev, ok := d.Entries[key]
	if !ok {
		return configsource.DeleteResult{}, false
	}
	delete(d.Entries, key)
	d.Revision++
	return configsource.DeleteResult{Previous: prev, Version: d.Revision}, true
}

// Sorted returns all entries ordered by key.
func (d *Document) Sorted() []configsource.Entry {
	out := make([]configsource.Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		out = append(out, e)
	}
	configsource.SortEntries(out)
	return out
}

func (d *Document) keys() []string {
	keys := make([]string, 0, len(d.Entries))
	for k := range d.Entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Reconcile compares next, a freshly loaded document, with prev and returns one event per
// changed key. Changed entries that do not already carry a version newer than prev's
// revision are renumbered so versions keep increasing even when the document was edited
// by hand. next is modified in place.
func Reconcile(prev, next *Document, now time.Time) []configsource.ChangeEvent {
	rev := max(prev.Revision, next.Revision)

	all := mapset.NewThreadUnsafeSet[string]()
	for k := range prev.Entries {
		all.Add(k)
	}
	for k := range next.Entries {
		all.Add(k)
	}
	keys := all.ToSlice()
	slices.Sort(keys)

	var events []configsource.ChangeEvent
	for _, k := range keys {
		before, had := prev.Entries[k]
		after, has := next.Entries[k]
		switch {
		case had && !has:
			rev++
			events = append(events, configsource.DeleteResult{Previous: before, Version: rev}.Event(configsource.OriginRemote))
		case has && (!had || before.Value != after.Value):
			if after.Version <= prev.Revision {
				rev++
				after.Version = rev
			}
			if after.UpdatedAt.IsZero() {
				after.UpdatedAt = now
			}
			next.Entries[k] = after
			res := configsource.WriteResult{Entry: after}
			if had {
				res.Previous = &before
			}
			events = append(events, res.Event(configsource.OriginRemote))
		case has && had:
			// Unchanged value: keep the version the caller already knows.
			after.Version = before.Version
			next.Entries[k] = after
		}
	}
	next.Revision = max(rev, next.Revision)
	return events
}
