package registry

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName  = errors.New("duplicate name")
	ErrRegistryFrozen = errors.New("registry frozen")
	ErrUnknownName    = errors.New("unknown name")
)

// DuplicateNameError is returned when a descriptor name collides with one
// already registered in the same namespace.
type DuplicateNameError struct {
	Namespace string
	Name      string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate %s name %q", e.Namespace, e.Name)
}

func (e *DuplicateNameError) Is(target error) bool {
	return target == ErrDuplicateName
}

// RegistryFrozenError is returned by any registration attempted after Freeze.
type RegistryFrozenError struct {
	Kind string
	Name string
}

func (e *RegistryFrozenError) Error() string {
	return fmt.Sprintf("cannot register %s %q: registry is frozen", e.Kind, e.Name)
}

func (e *RegistryFrozenError) Is(target error) bool {
	return target == ErrRegistryFrozen
}

// UnknownNameError is returned when a descriptor references a suite or
// fixture that has not been registered.
type UnknownNameError struct {
	Kind string
	Name string
	By   string
}

func (e *UnknownNameError) Error() string {
	if e.By != "" {
		return fmt.Sprintf("%s references unknown %s %q", e.By, e.Kind, e.Name)
	}
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

func (e *UnknownNameError) Is(target error) bool {
	return target == ErrUnknownName
}
