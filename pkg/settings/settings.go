// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package settings provides a registry of typed runtime tunables.
//
// Settings are registered at package init time with a default value and
// read through a *Values container, whose slots are updated atomically.
// This lets configuration updates apply to subsequently issued
// operations without restarting anything, and without readers taking
// locks.
package settings

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// registry contains all defined settings and their defaults. It must
// never be mutated after init, as it is read concurrently.
var registry = map[string]Setting{}

// slotCount is the number of value slots handed out so far.
var slotCount int

// Setting is the common interface for all setting types.
type Setting interface {
	// Key returns the name under which the setting is registered.
	Key() string
	// Description explains what the setting controls.
	Description() string
	// Typ returns a short type descriptor ("i", "b", "z").
	Typ() string
	// String renders the current value held in sv.
	String(sv *Values) string

	setToDefault(sv *Values)
}

// Values holds the current values of all registered settings. Distinct
// containers (e.g. one per replica) are independent.
type Values struct {
	slots []atomic.Int64
}

// NewValues returns a container initialized with every setting at its
// default.
func NewValues() *Values {
	sv := &Values{slots: make([]atomic.Int64, slotCount)}
	for _, s := range registry {
		s.setToDefault(sv)
	}
	return sv
}

// Lookup returns the setting registered under key, if any.
func Lookup(key string) (Setting, bool) {
	s, ok := registry[key]
	return s, ok
}

// Keys returns the sorted keys of all registered settings.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func register(key string, s Setting) {
	if _, ok := registry[key]; ok {
		panic(fmt.Sprintf("setting already defined: %s", key))
	}
	registry[key] = s
}

func nextSlot() int {
	slot := slotCount
	slotCount++
	return slot
}

type common struct {
	key  string
	desc string
	slot int
}

func (c common) Key() string         { return c.key }
func (c common) Description() string { return c.desc }

// IntSetting is the interface of a setting variable that will be updated
// automatically when the corresponding configuration parameter changes.
type IntSetting struct {
	common
	defaultValue int64
}

// Get retrieves the int value in the setting.
func (i *IntSetting) Get(sv *Values) int64 {
	return sv.slots[i.slot].Load()
}

// Override sets the setting's value in sv.
func (i *IntSetting) Override(sv *Values, v int64) {
	sv.slots[i.slot].Store(v)
}

// Default returns the default value.
func (i *IntSetting) Default() int64 { return i.defaultValue }

// Typ implements Setting.
func (i *IntSetting) Typ() string { return "i" }

// String implements Setting.
func (i *IntSetting) String(sv *Values) string {
	return fmt.Sprintf("%d", i.Get(sv))
}

func (i *IntSetting) setToDefault(sv *Values) {
	sv.slots[i.slot].Store(i.defaultValue)
}

// RegisterIntSetting defines a new setting with type int64.
func RegisterIntSetting(key, desc string, defaultValue int64) *IntSetting {
	s := &IntSetting{
		common:       common{key: key, desc: desc, slot: nextSlot()},
		defaultValue: defaultValue,
	}
	register(key, s)
	return s
}

// ByteSizeSetting is an IntSetting whose value is rendered as a
// humanized byte size.
type ByteSizeSetting struct {
	IntSetting
}

// Typ implements Setting.
func (b *ByteSizeSetting) Typ() string { return "z" }

// String implements Setting.
func (b *ByteSizeSetting) String(sv *Values) string {
	return humanize.IBytes(uint64(b.Get(sv)))
}

// RegisterByteSizeSetting defines a new setting with type bytesize.
func RegisterByteSizeSetting(key, desc string, defaultValue int64) *ByteSizeSetting {
	s := &ByteSizeSetting{IntSetting{
		common:       common{key: key, desc: desc, slot: nextSlot()},
		defaultValue: defaultValue,
	}}
	register(key, s)
	return s
}

// BoolSetting is the interface of a setting variable of type bool.
type BoolSetting struct {
	common
	defaultValue bool
}

// Get retrieves the bool value in the setting.
func (b *BoolSetting) Get(sv *Values) bool {
	return sv.slots[b.slot].Load() != 0
}

// Override sets the setting's value in sv.
func (b *BoolSetting) Override(sv *Values, v bool) {
	var n int64
	if v {
		n = 1
	}
	sv.slots[b.slot].Store(n)
}

// Default returns the default value.
func (b *BoolSetting) Default() bool { return b.defaultValue }

// Typ implements Setting.
func (b *BoolSetting) Typ() string { return "b" }

// String implements Setting.
func (b *BoolSetting) String(sv *Values) string {
	return fmt.Sprintf("%t", b.Get(sv))
}

func (b *BoolSetting) setToDefault(sv *Values) {
	b.Override(sv, b.defaultValue)
}

// RegisterBoolSetting defines a new setting with type bool.
func RegisterBoolSetting(key, desc string, defaultValue bool) *BoolSetting {
	s := &BoolSetting{
		common:       common{key: key, desc: desc, slot: nextSlot()},
		defaultValue: defaultValue,
	}
	register(key, s)
	return s
}
