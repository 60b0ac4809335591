package schema

import "strings"

// Logical roles a source column can be bound to.
const (
	RolePartNumber   = "part_number"
	RoleManufacturer = "manufacturer"

	// SpecRolePrefix prefixes roles naming specification attributes, e.g. "spec:voltage".
	SpecRolePrefix = "spec:"
)

// SpecRole returns the role for a specification attribute name.
func SpecRole(name string) string {
	return SpecRolePrefix + strings.TrimSpace(name)
}

// IsSpecRole reports whether role names a specification attribute.
func IsSpecRole(role string) bool {
	return strings.HasPrefix(role, SpecRolePrefix)
}

// Binding ties one role to one literal column label.
type Binding struct {
	Role   string
	Column string
}

// ColumnMapping maps logical roles to literal column labels of one source.
//
// A ColumnMapping is immutable once built; the zero value maps nothing.
type ColumnMapping struct {
	byRole   map[string]string
	bindings []Binding
}

// NewColumnMapping builds a mapping. Later bindings for an already bound role, or for an
// already bound column, are ignored.
func NewColumnMapping(bindings ...Binding) ColumnMapping {
	m := ColumnMapping{byRole: make(map[string]string, len(bindings))}
	usedCols := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		role := strings.TrimSpace(b.Role)
		if role == "" || b.Column == "" {
			continue
		}
		if _, ok := m.byRole[role]; ok || usedCols[b.Column] {
			continue
		}
		m.byRole[role] = b.Column
		usedCols[b.Column] = true
		m.bindings = append(m.bindings, Binding{Role: role, Column: b.Column})
	}
	return m
}

// Column returns the label bound to role.
func (m ColumnMapping) Column(role string) (string, bool) {
	col, ok := m.byRole[role]
	return col, ok
}

// PartNumber returns the part number column label, or "" when unbound.
func (m ColumnMapping) PartNumber() string {
	return m.byRole[RolePartNumber]
}

// Manufacturer returns the manufacturer column label, or "" when unbound.
func (m ColumnMapping) Manufacturer() string {
	return m.byRole[RoleManufacturer]
}

// SpecColumns returns the spec:* bindings in the order they were declared.
func (m ColumnMapping) SpecColumns() []Binding {
	var out []Binding
	for _, b := range m.bindings {
		if IsSpecRole(b.Role) {
			out = append(out, b)
		}
	}
	return out
}

// Len returns the number of bound roles.
func (m ColumnMapping) Len() int {
	return len(m.bindings)
}

func (m ColumnMapping) String() string {
	parts := make([]string, 0, len(m.bindings))
	for _, b := range m.bindings {
		parts = append(parts, b.Role+"="+b.Column)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
