package models

import (
	"bytes"
	"fmt"

	"attribution/json"

	jsoniter "github.com/json-iterator/go"
)

// Extra is an insertion-ordered map of string keys to JSON scalars.
// Setting an existing key replaces its value in place and keeps its position.
type Extra struct {
	keys   []string
	values map[string]any
}

func NewExtra() *Extra {
	return &Extra{values: make(map[string]any)}
}

func (e *Extra) Set(key string, value any) {
	if e.values == nil {
		e.values = make(map[string]any)
	}
	if _, exists := e.values[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

// SetIfAbsent stores value only when key has not been set yet.
func (e *Extra) SetIfAbsent(key string, value any) {
	if !e.Has(key) {
		e.Set(key, value)
	}
}

func (e *Extra) Get(key string) (any, bool) {
	if e == nil {
		return nil, false
	}
	v, ok := e.values[key]
	return v, ok
}

func (e *Extra) Has(key string) bool {
	_, ok := e.Get(key)
	return ok
}

// Keys returns the keys in insertion order.
func (e *Extra) Keys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, len(e.keys))
	copy(keys, e.keys)
	return keys
}

func (e *Extra) Len() int {
	if e == nil {
		return 0
	}
	return len(e.keys)
}

func (e *Extra) Clone() *Extra {
	c := NewExtra()
	if e == nil {
		return c
	}
	for _, k := range e.keys {
		c.Set(k, e.values[k])
	}
	return c
}

func (e *Extra) MarshalJSON() ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal extra key %q: %w", k, err)
		}
		vb, err := json.Marshal(e.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal extra value for %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the key order of the encoded object.
func (e *Extra) UnmarshalJSON(data []byte) error {
	iter := json.JSON.BorrowIterator(data)
	defer json.JSON.ReturnIterator(iter)

	if iter.WhatIsNext() == jsoniter.NilValue {
		iter.Skip()
		*e = Extra{values: make(map[string]any)}
		return iter.Error
	}

	decoded := NewExtra()
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		decoded.Set(key, it.Read())
		return it.Error == nil
	})
	if iter.Error != nil {
		return fmt.Errorf("decode extra: %w", iter.Error)
	}
	*e = *decoded
	return nil
}
