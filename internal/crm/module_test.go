package crm

import "testing"

func TestParseModule(t *testing.T) {
	tests := []struct {
		in      string
		want    Module
		wantErr bool
	}{
		{"Leads", ModuleLeads, false},
		{"leads", ModuleLeads, false},
		{"DEALS", ModuleDeals, false},
		{"Contacts", ModuleContacts, false},
		{"Accounts", ModuleAccounts, false},
		{"Invoices", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseModule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseModule(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseModule(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseEventKind(t *testing.T) {
	for _, good := range []string{"create", "update", "delete", "edit", "Create"} {
		if _, err := ParseEventKind(good); err != nil {
			t.Errorf("ParseEventKind(%q): %v", good, err)
		}
	}
	if _, err := ParseEventKind("upsert"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestModuleTableNames(t *testing.T) {
	want := map[Module]string{
		ModuleLeads:    "leads",
		ModuleDeals:    "deals",
		ModuleContacts: "contacts",
		ModuleAccounts: "accounts",
	}
	for module, table := range want {
		if got := module.Table(); got != table {
			t.Errorf("%s.Table() = %q, want %q", module, got, table)
		}
	}
}
