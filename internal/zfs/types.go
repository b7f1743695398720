package zfs

import "strconv"

// DatasetType is the zfs dataset type, mirrors the teacher's dataset.go.
type DatasetType string

const (
	DatasetAll        DatasetType = "all"
	DatasetFilesystem DatasetType = "filesystem"
	DatasetSnapshot   DatasetType = "snapshot"
	DatasetVolume     DatasetType = "volume"
	DatasetBookmark   DatasetType = "bookmark"

	// DatasetContainer lists filesystems and volumes but not their
	// snapshots/bookmarks - the type used to enumerate a replication
	// source's dataset subtree (spec.md §4.F step 1).
	DatasetContainer DatasetType = "filesystem,volume"
)

// Dataset is a typed view of one zfs list -H -p row. Name is the full
// slash-delimited path (snapshots include "@name").
type Dataset struct {
	Name               string
	Type               DatasetType
	Origin             string
	Used               uint64
	Available          uint64
	Referenced         uint64
	ReceiveResumeToken string
	Userrefs           int64
}

// readDatasets parses `zfs list -H -p -o <props>` rows, one row per
// dataset, into typed Datasets. Property order must match props.
func readDatasets(rows [][]string, props []string) ([]Dataset, error) {
	datasets := make([]Dataset, 0, len(rows))
	for _, row := range rows {
		if len(row) != len(props) {
			continue
		}
		ds := Dataset{}
		for i, prop := range props {
			val := row[i]
			switch prop {
			case PropertyName:
				ds.Name = val
			case PropertyType:
				ds.Type = DatasetType(val)
			case PropertyOrigin:
				ds.Origin = setString(val)
			case PropertyUsed:
				ds.Used = setUint(val)
			case PropertyAvailable:
				ds.Available = setUint(val)
			case PropertyReferenced:
				ds.Referenced = setUint(val)
			case PropertyReceiveResumeToken:
				ds.ReceiveResumeToken = setString(val)
			case PropertyUserrefs:
				ds.Userrefs = setInt(val)
			}
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

func setString(val string) string {
	if val == PropertyUnset {
		return ""
	}
	return val
}

func setUint(val string) uint64 {
	if val == PropertyUnset {
		return 0
	}
	v, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func setInt(val string) int64 {
	if val == PropertyUnset {
		return 0
	}
	v, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// HasHolds reports whether the dataset has user references (holds). The
// policy dispatcher uses it to mark such snapshots as protected from
// retention's destroy set.
func (d Dataset) HasHolds() bool {
	return d.Userrefs > 0
}

// Resumable reports whether the dataset has a pending resumable receive.
func (d Dataset) Resumable() bool {
	return d.ReceiveResumeToken != ""
}
