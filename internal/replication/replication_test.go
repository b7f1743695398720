package replication

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanDatasetFreshDestAutoCreate(t *testing.T) {
	snaps := Snapshots{SourcePath: "tank/data", DestPath: "backup/data", Names: []string{"s1", "s2", "s3"}}
	actions, err := PlanDataset(snaps, DestState{Exists: false}, Options{DestAutoCreate: true})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, KindFull, actions[0].Kind)
	require.Equal(t, "s1", actions[0].To)
	require.Equal(t, KindIncremental, actions[1].Kind)
	require.Equal(t, "s1", actions[1].From)
	require.Equal(t, "s3", actions[1].To)
	require.True(t, actions[1].Intermediate)
}

func TestPlanDatasetDestMissingWithoutAutoCreate(t *testing.T) {
	snaps := Snapshots{SourcePath: "tank/data", DestPath: "backup/data", Names: []string{"s1"}}
	_, err := PlanDataset(snaps, DestState{Exists: false}, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDestMissing))
	var destErr *DestMissingError
	require.ErrorAs(t, err, &destErr)
}

func TestPlanDatasetIncrementalSend(t *testing.T) {
	snaps := Snapshots{SourcePath: "tank/data", DestPath: "backup/data", Names: []string{"s1", "s2", "s3"}}
	dest := DestState{Exists: true, Snapshots: []string{"s1"}}
	actions, err := PlanDataset(snaps, dest, Options{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, KindIncremental, actions[0].Kind)
	require.Equal(t, "s1", actions[0].From)
	require.Equal(t, "s3", actions[0].To)
}

func TestPlanDatasetAlreadyInSync(t *testing.T) {
	snaps := Snapshots{SourcePath: "tank/data", DestPath: "backup/data", Names: []string{"s1", "s2"}}
	dest := DestState{Exists: true, Snapshots: []string{"s1", "s2"}}
	actions, err := PlanDataset(snaps, dest, Options{})
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestPlanDatasetNoCommonBase(t *testing.T) {
	snaps := Snapshots{SourcePath: "tank/data", DestPath: "backup/data", Names: []string{"s2", "s3"}}
	dest := DestState{Exists: true, Snapshots: []string{"s1"}}
	_, err := PlanDataset(snaps, dest, Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoCommonBase))
}

func TestPlanDatasetResume(t *testing.T) {
	snaps := Snapshots{SourcePath: "tank/data", DestPath: "backup/data", Names: []string{"s1", "s2"}}
	dest := DestState{Exists: true, Snapshots: []string{"s1"}, ResumeToken: "abc123"}
	actions, err := PlanDataset(snaps, dest, Options{Resume: true})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, KindResume, actions[0].Kind)
	require.Equal(t, "abc123", actions[0].ResumeToken)
	require.Equal(t, KindIncremental, actions[1].Kind)
}

func TestPlanTreeExclusion(t *testing.T) {
	datasets := map[string]Tree{
		"rpool":           {Snapshots: Snapshots{SourcePath: "rpool", DestPath: "backup", Names: []string{"s1"}}},
		"rpool/data":      {Snapshots: Snapshots{SourcePath: "rpool/data", DestPath: "backup/data", Names: []string{"s1"}}},
		"rpool/home":      {Snapshots: Snapshots{SourcePath: "rpool/home", DestPath: "backup/home", Names: []string{"s1"}}},
		"rpool/home/docs": {Snapshots: Snapshots{SourcePath: "rpool/home/docs", DestPath: "backup/home/docs", Names: []string{"s1"}}},
	}
	excludes := []string{"rpool/data", "rpool/home/*"}
	plans := PlanTree(datasets, excludes, Options{DestAutoCreate: true})

	var planned []string
	for _, p := range plans {
		planned = append(planned, p.SourcePath)
	}
	require.ElementsMatch(t, []string{"rpool", "rpool/home"}, planned)
}

func TestPlanTreeContinuesPastPerDatasetErrors(t *testing.T) {
	datasets := map[string]Tree{
		"tank/a": {Snapshots: Snapshots{SourcePath: "tank/a", DestPath: "backup/a", Names: []string{"s1"}}, Dest: DestState{Exists: false}},
		"tank/b": {Snapshots: Snapshots{SourcePath: "tank/b", DestPath: "backup/b", Names: []string{"s1"}}, Dest: DestState{Exists: true, Snapshots: []string{"s1"}}},
	}
	plans := PlanTree(datasets, nil, Options{})
	require.Len(t, plans, 2)

	byPath := map[string]DatasetPlan{}
	for _, p := range plans {
		byPath[p.SourcePath] = p
	}
	require.Error(t, byPath["tank/a"].Err)
	require.NoError(t, byPath["tank/b"].Err)
}
