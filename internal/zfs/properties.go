package zfs

// ZFS property names used by the adapter. Mirrors the teacher's
// properties.go constant set, trimmed to what this core actually reads.
const (
	PropertyName               = "name"
	PropertyType               = "type"
	PropertyOrigin             = "origin"
	PropertyUsed               = "used"
	PropertyAvailable          = "available"
	PropertyReferenced         = "referenced"
	PropertyReceiveResumeToken = "receive_resume_token"
	PropertyUserrefs           = "userrefs"

	// PropertyUnset is the literal ZFS prints for a property with no value.
	PropertyUnset = "-"
)

// namespace for bookkeeping properties pyznap itself sets on datasets.
const propertyNamespace = "com.github.pyznap"
