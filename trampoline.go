package ffimarshal

import (
	"errors"

	"github.com/wippyai/ffi-marshal/handle"
)

// FuncTable is a TrampolineTable backed by a handle table. Function pointer
// values are handles and are never reused, so a stale pointer cannot reach a
// newer function.
type FuncTable struct {
	table *handle.Table[TrampolineFunc]
}

var _ TrampolineTable = (*FuncTable)(nil)

// NewFuncTable creates an empty function table.
func NewFuncTable() *FuncTable {
	return &FuncTable{table: handle.NewTable[TrampolineFunc](handle.WithoutReuse())}
}

func (t *FuncTable) Install(fn TrampolineFunc) (FuncPtr, error) {
	if fn == nil {
		return 0, errors.New("install nil trampoline")
	}
	h, err := t.table.Insert(fn)
	if err != nil {
		return 0, err
	}
	return FuncPtr(h), nil
}

func (t *FuncTable) Uninstall(fp FuncPtr) bool {
	_, ok := t.table.Remove(handle.Handle(fp))
	return ok
}

// Lookup returns the function installed at fp.
func (t *FuncTable) Lookup(fp FuncPtr) (TrampolineFunc, bool) {
	return t.table.Get(handle.Handle(fp))
}

// Len returns the number of installed functions.
func (t *FuncTable) Len() int { return t.table.Len() }

// Close uninstalls every function.
func (t *FuncTable) Close() error { return t.table.Close() }
