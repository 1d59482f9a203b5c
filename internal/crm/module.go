package crm

import (
	"fmt"
	"strings"
)

// Module is one of the vendor's logical record types.
type Module string

const (
	ModuleLeads    Module = "Leads"
	ModuleDeals    Module = "Deals"
	ModuleContacts Module = "Contacts"
	ModuleAccounts Module = "Accounts"
)

// Modules lists all mirrored modules in a stable order.
var Modules = []Module{ModuleLeads, ModuleDeals, ModuleContacts, ModuleAccounts}

// ParseModule validates a module name from the wire. Unknown values are
// rejected at the boundary rather than carried as free-form strings.
func ParseModule(s string) (Module, error) {
	switch strings.ToLower(s) {
	case "leads":
		return ModuleLeads, nil
	case "deals":
		return ModuleDeals, nil
	case "contacts":
		return ModuleContacts, nil
	case "accounts":
		return ModuleAccounts, nil
	}
	return "", fmt.Errorf("unknown module %q", s)
}

// Table returns the mirrored table name for the module.
func (m Module) Table() string {
	return strings.ToLower(string(m))
}

// EventKind classifies a vendor webhook event.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	EventEdit   EventKind = "edit"
)

// ParseEventKind validates an event kind from the wire.
func ParseEventKind(s string) (EventKind, error) {
	switch EventKind(strings.ToLower(s)) {
	case EventCreate:
		return EventCreate, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	case EventEdit:
		return EventEdit, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}
