package executor

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/google/uuid"

	"github.com/btrfs2s3/btrfs2s3/internal/fsdriver"
	"github.com/btrfs2s3/btrfs2s3/internal/metakey"
	"github.com/btrfs2s3/btrfs2s3/internal/model"
	"github.com/btrfs2s3/btrfs2s3/internal/planner"
	"github.com/btrfs2s3/btrfs2s3/internal/s3backend"
)

// fakeDriver is an in-memory stand-in for fsdriver.Driver.
type fakeDriver struct {
	infoByPath map[string]fsdriver.Info

	createCalls []createCall
	renameCalls [][2]string
	deleteCalls []string

	sendSnapshot, sendParent string
	sendBody                 io.Reader
	sendHandle               io.ReadCloser // overrides sendBody when set
	sendErr                  error
}

type createCall struct{ src, dst string }

func (f *fakeDriver) IsSubvolume(path string) (bool, error) { return true, nil }

func (f *fakeDriver) SubvolumeInfo(path string) (fsdriver.Info, error) {
	info, ok := f.infoByPath[path]
	if !ok {
		return fsdriver.Info{}, errNotFound(path)
	}
	return info, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "no fake info registered for " + string(e) }

func (f *fakeDriver) CreateSnapshot(_ context.Context, src, dst string, _ bool) error {
	f.createCalls = append(f.createCalls, createCall{src, dst})
	return nil
}

func (f *fakeDriver) DeleteSubvolume(path string) error {
	f.deleteCalls = append(f.deleteCalls, path)
	return nil
}

func (f *fakeDriver) Rename(oldPath, newPath string) error {
	f.renameCalls = append(f.renameCalls, [2]string{oldPath, newPath})
	return nil
}

func (f *fakeDriver) IterSubvolumes(dir string) ([]fsdriver.SubvolumeEntry, error) { return nil, nil }

func (f *fakeDriver) Send(_ context.Context, snapshot, parent string) (io.ReadCloser, error) {
	f.sendSnapshot, f.sendParent = snapshot, parent
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendHandle != nil {
		return f.sendHandle, nil
	}
	return ioutil.NopCloser(f.sendBody), nil
}

func (f *fakeDriver) FreeBytes(path string) (uint64, error) { return 1 << 40, nil }

var _ fsdriver.Driver = (*fakeDriver)(nil)

// fakeS3 is an in-memory stand-in for executor.S3Client.
type fakeS3 struct {
	putKey  string
	putBody []byte

	deleteKeys []string
}

func (f *fakeS3) PutObject(_ context.Context, key string, body aws.ReaderSeekerCloser, _ int64) error {
	f.putKey = key
	b, _ := ioutil.ReadAll(body)
	f.putBody = b
	return nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, _ string) (string, error) {
	return "upload-1", nil
}

func (f *fakeS3) UploadPart(_ context.Context, _ string, _ string, partNumber int64, body aws.ReaderSeekerCloser, _ int64) (string, error) {
	_, _ = ioutil.ReadAll(body)
	return "etag", nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, _ string, _ string, _ []s3backend.CompletedPart) error {
	return nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, _ string, _ string) error { return nil }

func (f *fakeS3) DeleteObject(_ context.Context, key string) error {
	f.deleteKeys = append(f.deleteKeys, key)
	return nil
}

var _ S3Client = (*fakeS3)(nil)

func canon(it model.Item) string {
	meta := model.BackupMeta{
		CTime:           it.CTime,
		CTransID:        it.CTransID,
		UUID:            it.UUID,
		SendParentUUID:  it.SendParentUUID,
		ParentUUID:      it.ParentUUID,
		MetadataVersion: model.CurrentMetadataVersion,
		SequenceNumber:  model.CurrentSequenceNumber,
	}
	if !it.HasSendParent {
		meta.SendParentUUID = model.ZeroUUID
	}
	return metakey.Encode(meta, it.Base)
}

func TestCreateSnapshotThenCreateBackupFullBackup(t *testing.T) {
	snapDir := "/snaps/src1"
	sourceUUID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	proposedUUID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	kernelUUID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	ctime := time.Date(2006, 1, 2, 0, 0, 0, 0, time.UTC)

	source := model.Subvolume{UUID: sourceUUID, Path: "/mnt/src", CTransID: 10}
	proposed := model.Item{
		UUID:       proposedUUID,
		ParentUUID: sourceUUID,
		CTime:      ctime,
		Proposed:   true,
	}

	staging := filepath.Join(snapDir, ".btrfs2s3-staging-"+proposedUUID.String())
	driver := &fakeDriver{
		infoByPath: map[string]fsdriver.Info{
			staging: {UUID: kernelUUID, ParentUUID: sourceUUID, CTransID: 77, CTime: ctime, ReadOnly: true},
		},
		sendBody: bytes.NewBufferString("full-backup-payload"),
	}
	s3 := &fakeS3{}
	env := Environment{SnapshotDir: snapDir, Driver: driver, S3: s3}

	plan := model.Plan{
		Source: source,
		Actions: []model.PlanAction{
			{Kind: model.ActionCreateSnapshot, Source: &source, UUID: proposedUUID, Proposed: &proposed},
			{Kind: model.ActionCreateBackup, UUID: proposedUUID, SendParent: nil},
		},
	}
	in := planner.Input{Source: source, Keep: []model.Item{proposed}}

	sum, err := Apply(context.Background(), env, in, plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sum.SnapshotsCreated != 1 || sum.BackupsCreated != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	if len(driver.createCalls) != 1 || driver.createCalls[0].dst != staging {
		t.Fatalf("expected CreateSnapshot to staging path %s, got %+v", staging, driver.createCalls)
	}

	real := model.Item{UUID: kernelUUID, ParentUUID: sourceUUID, CTime: ctime, CTransID: 77}
	wantName := canon(real)
	wantFinal := filepath.Join(snapDir, wantName)
	if len(driver.renameCalls) != 1 || driver.renameCalls[0] != [2]string{staging, wantFinal} {
		t.Fatalf("expected rename %s -> %s, got %+v", staging, wantFinal, driver.renameCalls)
	}

	if driver.sendSnapshot != wantFinal || driver.sendParent != "" {
		t.Fatalf("expected Send(%s, \"\"), got Send(%s, %s)", wantFinal, driver.sendSnapshot, driver.sendParent)
	}

	if s3.putKey != wantName {
		t.Fatalf("expected object key %q, got %q", wantName, s3.putKey)
	}
	if string(s3.putBody) != "full-backup-payload" {
		t.Fatalf("expected uploaded body to match the send stream, got %q", s3.putBody)
	}
}

func TestRenameThenCreateBackupWithParent(t *testing.T) {
	snapDir := "/snaps/src1"
	sourceUUID := uuid.New()
	parentUUID := uuid.New()
	childUUID := uuid.New()
	parentCTime := time.Date(2006, 1, 1, 0, 0, 0, 0, time.UTC)
	childCTime := time.Date(2006, 1, 2, 0, 0, 0, 0, time.UTC)

	parentItem := model.Item{UUID: parentUUID, ParentUUID: sourceUUID, CTime: parentCTime, CTransID: 10, Where: model.Local | model.Remote}
	parentPath := filepath.Join(snapDir, canon(parentItem))

	childLocal := model.Item{
		UUID: childUUID, ParentUUID: sourceUUID, CTime: childCTime, CTransID: 20,
		SendParentUUID: parentUUID, HasSendParent: true, Where: model.Local,
		Path: filepath.Join(snapDir, "not-canonical-yet"),
	}
	childKeep := childLocal
	wantChildName := canon(childKeep)

	driver := &fakeDriver{sendBody: bytes.NewBufferString("delta-payload")}
	s3 := &fakeS3{}
	env := Environment{SnapshotDir: snapDir, Driver: driver, S3: s3}

	sendParent := parentUUID
	plan := model.Plan{
		Actions: []model.PlanAction{
			{Kind: model.ActionRenameSnapshot, UUID: childUUID, NewName: wantChildName},
			{Kind: model.ActionCreateBackup, UUID: childUUID, SendParent: &sendParent},
		},
	}
	in := planner.Input{
		Local: []model.Item{{UUID: parentUUID, Path: parentPath}, childLocal},
		Keep:  []model.Item{parentItem, childKeep},
	}

	sum, err := Apply(context.Background(), env, in, plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sum.SnapshotsRenamed != 1 || sum.BackupsCreated != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	wantChildPath := filepath.Join(snapDir, wantChildName)
	if len(driver.renameCalls) != 1 || driver.renameCalls[0] != [2]string{childLocal.Path, wantChildPath} {
		t.Fatalf("expected rename to canonical child path, got %+v", driver.renameCalls)
	}
	if driver.sendSnapshot != wantChildPath || driver.sendParent != parentPath {
		t.Fatalf("expected Send(%s, %s), got Send(%s, %s)", wantChildPath, parentPath, driver.sendSnapshot, driver.sendParent)
	}
	if s3.putKey != wantChildName {
		t.Fatalf("expected object key %q, got %q", wantChildName, s3.putKey)
	}
}

func TestDeleteActionsAreIdempotentWhenAlreadyGone(t *testing.T) {
	driver := &fakeDriver{}
	s3 := &fakeS3{}
	env := Environment{SnapshotDir: "/snaps/src1", Driver: driver, S3: s3}

	missingUUID := uuid.New()
	plan := model.Plan{
		Actions: []model.PlanAction{
			{Kind: model.ActionDeleteSnapshot, UUID: missingUUID},
			{Kind: model.ActionDeleteBackup, UUID: missingUUID},
		},
	}
	in := planner.Input{}

	sum, err := Apply(context.Background(), env, in, plan, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sum.SnapshotsDeleted != 1 || sum.BackupsDeleted != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(driver.deleteCalls) != 0 {
		t.Fatalf("expected no DeleteSubvolume call for an already-gone snapshot, got %v", driver.deleteCalls)
	}
	if len(s3.deleteKeys) != 0 {
		t.Fatalf("expected no DeleteObject call for an already-gone backup, got %v", s3.deleteKeys)
	}
}

func TestDeleteSnapshotAndDeleteBackupDriveCollaborators(t *testing.T) {
	driver := &fakeDriver{}
	s3 := &fakeS3{}
	env := Environment{SnapshotDir: "/snaps/src1", Driver: driver, S3: s3}

	snapUUID := uuid.New()
	backupUUID := uuid.New()
	snapPath := "/snaps/src1/some-snapshot"
	backupItem := model.Item{UUID: backupUUID, Where: model.Remote}

	plan := model.Plan{
		Actions: []model.PlanAction{
			{Kind: model.ActionDeleteSnapshot, UUID: snapUUID},
			{Kind: model.ActionDeleteBackup, UUID: backupUUID},
		},
	}
	in := planner.Input{
		Local:  []model.Item{{UUID: snapUUID, Path: snapPath}},
		Remote: []model.Item{backupItem},
	}

	if _, err := Apply(context.Background(), env, in, plan, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(driver.deleteCalls) != 1 || driver.deleteCalls[0] != snapPath {
		t.Fatalf("expected DeleteSubvolume(%s), got %v", snapPath, driver.deleteCalls)
	}
	wantKey := canon(backupItem)
	if len(s3.deleteKeys) != 1 || s3.deleteKeys[0] != wantKey {
		t.Fatalf("expected DeleteObject(%s), got %v", wantKey, s3.deleteKeys)
	}
}

// failingSendHandle simulates a send/pipeline whose data reads cleanly
// (indistinguishable EOF-or-failure from the reading side) but whose
// Close reports the underlying process failed.
type failingSendHandle struct {
	io.Reader
	closeErr error
}

func (f *failingSendHandle) Close() error { return f.closeErr }

func TestPipelineFailureCleansUpPartialObject(t *testing.T) {
	snapUUID := uuid.New()
	snapPath := "/snaps/src1/some-snapshot"
	closeErr := &model.PipelineFailed{Which: "send", Code: 1, StderrTail: "boom"}

	driver := &fakeDriver{
		sendHandle: &failingSendHandle{Reader: bytes.NewBufferString("partial-data"), closeErr: closeErr},
	}
	s3 := &fakeS3{}
	env := Environment{SnapshotDir: "/snaps/src1", Driver: driver, S3: s3}

	plan := model.Plan{
		Actions: []model.PlanAction{
			{Kind: model.ActionCreateBackup, UUID: snapUUID, SendParent: nil},
		},
	}
	item := model.Item{UUID: snapUUID}
	in := planner.Input{Local: []model.Item{{UUID: snapUUID, Path: snapPath}}, Keep: []model.Item{item}}

	_, err := Apply(context.Background(), env, in, plan, nil)
	if err != closeErr {
		t.Fatalf("expected the pipeline failure to surface, got %v", err)
	}
	if len(s3.deleteKeys) != 1 || s3.deleteKeys[0] != filepath.Base(snapPath) {
		t.Fatalf("expected the partially-uploaded object to be cleaned up, got deletes %v", s3.deleteKeys)
	}
}
