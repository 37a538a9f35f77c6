package deid

// PHI identifiers carried by raw health records, per the HIPAA Safe Harbor
// de-identification standard (45 CFR 164.514(b)(2)). Anything listed here
// must never appear in curated output or extracts: it is either dropped,
// pseudonymized, or generalized before load.
var phiFields = map[string]string{
	"patient_id":  "pseudonymize", // replaced with an HMAC-derived patient key
	"record_date": "generalize",   // only date parts (year/month/quarter/dow) are exported
	"age":         "top-code",     // capped so ages over the cap are not distinguishable
}

// IsPHI reports whether a source field carries protected health information.
func IsPHI(field string) bool {
	_, ok := phiFields[field]
	return ok
}

// PHIFields returns the source fields that require treatment and the
// treatment applied, for manifest/audit output.
func PHIFields() map[string]string {
	out := make(map[string]string, len(phiFields))
	for k, v := range phiFields {
		out[k] = v
	}
	return out
}
