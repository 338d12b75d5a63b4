package hipaa

import "strings"

// sensitiveFieldNames are normalised field names that always carry PHI,
// whatever their value looks like.
var sensitiveFieldNames = map[string]bool{
	"ssn":                   true,
	"socialsecuritynumber":  true,
	"nationalid":            true,
	"phone":                 true,
	"phonenumber":           true,
	"mobile":                true,
	"email":                 true,
	"emailaddress":          true,
	"dob":                   true,
	"dateofbirth":           true,
	"birthdate":             true,
	"address":               true,
	"streetaddress":         true,
	"emergencycontactname":  true,
	"emergencycontactphone": true,
	"insuranceid":           true,
	"medicalrecordnumber":   true,
}

// normalizeFieldName lowercases name and strips "_" and "-", so
// "Date_Of_Birth" and "dateOfBirth" compare equal.
func normalizeFieldName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "", "-", "").Replace(name)
}

// IsSensitiveField reports whether fieldName names a PHI field.
func IsSensitiveField(fieldName string) bool {
	return sensitiveFieldNames[normalizeFieldName(fieldName)]
}

// ScanField maps an entity field to its storage column.
type ScanField struct {
	Name   string
	Column string
}

// ScanTarget declares the sensitive fields of one stored entity type.
type ScanTarget struct {
	EntityType string
	Table      string
	IDColumn   string
	Fields     []ScanField
}

// Field returns the declared field called name.
func (t ScanTarget) Field(name string) (ScanField, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ScanField{}, false
}

// DefaultScanTargets lists the stored fields that must be encrypted at rest.
// Display names are protected by row-level access and are not listed.
func DefaultScanTargets() []ScanTarget {
	return []ScanTarget{
		{
			EntityType: "User",
			Table:      "app_user",
			IDColumn:   "id",
			Fields: []ScanField{
				{Name: "phone", Column: "phone"},
			},
		},
		{
			EntityType: "ClientProfile",
			Table:      "client_profile",
			IDColumn:   "id",
			Fields: []ScanField{
				{Name: "phone", Column: "phone"},
				{Name: "address", Column: "address"},
				{Name: "dateOfBirth", Column: "date_of_birth"},
				{Name: "emergencyContactName", Column: "emergency_contact_name"},
				{Name: "emergencyContactPhone", Column: "emergency_contact_phone"},
			},
		},
		{
			EntityType: "Note",
			Table:      "session_note",
			IDColumn:   "id",
			Fields: []ScanField{
				{Name: "content", Column: "content"},
			},
		},
	}
}

// ScanTargetPaths returns "<EntityType>.<field>" keys for fast look-up, for
// example "ClientProfile.dateOfBirth".
func ScanTargetPaths(targets []ScanTarget) map[string]bool {
	paths := make(map[string]bool, 8)
	for _, t := range targets {
		for _, f := range t.Fields {
			paths[t.EntityType+"."+f.Name] = true
		}
	}
	return paths
}
