package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/alphauslabs/ferry/internal/archive"
	"github.com/alphauslabs/ferry/internal/instance"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// exportPreQueueing checks free space on the instance, triggers the export
// and waits for Galaxy to finish it.
func (s *WorkerService) exportPreQueueing(ctx context.Context, t *tracking.Tracker) (bool, error) {
	inst, err := s.instances.Get(t.Instance)
	if err != nil {
		return false, s.fail(ctx, t, states.BioblendError, err)
	}

	// A failed check does not block the export; only a low reading does.
	info, err := inst.GetInfo(ctx)
	switch {
	case err != nil:
		s.logger.Warnf("Free space check on %s failed, continuing: %v", t.Instance, err)
	case info.FreeGB < s.cfg.MinFreeGB:
		return false, s.fail(ctx, t, states.DiskSpaceError,
			fmt.Errorf("%s has %.1f GB free, need %.0f GB", t.Instance, info.FreeGB, s.cfg.MinFreeGB))
	}

	exportID, err := inst.TriggerExport(ctx, t.HistoryID)
	if err != nil {
		return false, s.fail(ctx, t, states.BioblendError, fmt.Errorf("trigger export of history %s: %w", t.HistoryID, err))
	}

	t, err = s.transition(ctx, t, tracking.SetState(states.New).WithExportID(exportID))
	if err != nil {
		return false, err
	}
	return s.awaitExport(ctx, inst, t)
}

// exportNew resumes polling an export that was already triggered.
func (s *WorkerService) exportNew(ctx context.Context, t *tracking.Tracker) (bool, error) {
	inst, err := s.instances.Get(t.Instance)
	if err != nil {
		return false, s.fail(ctx, t, states.BioblendError, err)
	}
	return s.awaitExport(ctx, inst, t)
}

// exportFetch downloads the finished export into the staging area.
func (s *WorkerService) exportFetch(ctx context.Context, t *tracking.Tracker) (bool, error) {
	if t.ExportID == nil || *t.ExportID == "" {
		return false, s.fail(ctx, t, states.FetchError, errors.New("no export id recorded"))
	}
	exportID := *t.ExportID

	inst, err := s.instances.Get(t.Instance)
	if err != nil {
		return false, s.fail(ctx, t, states.FetchError, err)
	}
	s.discardPrevious(t)
	tmp, err := s.staging.NewFile(exportID + ".tgz")
	if err != nil {
		return false, s.fail(ctx, t, states.FetchError, err)
	}

	t, err = s.transition(ctx, t, tracking.SetState(states.FetchRunning).WithTmpFile(tmp))
	if err != nil {
		return false, err
	}

	n, err := download(ctx, inst, exportID, tmp)
	if err != nil {
		// The partial file stays referenced by tmpfile for inspection.
		return false, s.fail(ctx, t, states.FetchError, fmt.Errorf("download export %s: %w", exportID, err))
	}
	s.logger.Infof("Downloaded %d bytes of export %s to %s", n, exportID, tmp)

	if _, err := s.transition(ctx, t, tracking.SetState(states.FetchOK)); err != nil {
		return false, err
	}
	return true, nil
}

func download(ctx context.Context, inst instance.Instance, exportID, dst string) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := inst.DownloadExport(ctx, exportID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// exportTransfer copies the staged export to the user's archive and
// finishes the tracker.
func (s *WorkerService) exportTransfer(ctx context.Context, t *tracking.Tracker) (bool, error) {
	t, err := s.transition(ctx, t, tracking.SetState(states.NelsTransferRunning))
	if err != nil {
		return false, err
	}
	if t.TmpFile == nil || *t.TmpFile == "" {
		return false, s.fail(ctx, t, states.NelsTransferError, errors.New("no staged file recorded"))
	}
	if t.ExportID == nil || *t.ExportID == "" {
		return false, s.fail(ctx, t, states.NelsTransferError, errors.New("no export id recorded"))
	}

	inst, err := s.instances.Get(t.Instance)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, err)
	}
	exp, err := inst.GetHistoryExport(ctx, *t.ExportID)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("look up export %s: %w", *t.ExportID, err))
	}

	remote, err := archive.DestinationPath(t.Destination, exp.Name, t.CreateTime)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, err)
	}
	if err := s.archive.Push(ctx, t.NelsID, *t.TmpFile, remote); err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("copy to %s: %w", remote, err))
	}
	s.logger.Infof("Copied %s tracker %s to %s", t.Kind, t.ID, remote)

	t, err = s.transition(ctx, t, tracking.SetState(states.NelsTransferOK).WithLog("copied to "+remote))
	if err != nil {
		return false, err
	}
	s.removeStaged(t)
	_, err = s.transition(ctx, t, tracking.SetState(states.Finished).WithTmpFile(""))
	return false, err
}

// importFetch copies the archive from the user's storage into staging.
func (s *WorkerService) importFetch(ctx context.Context, t *tracking.Tracker) (bool, error) {
	if t.Source == "" {
		return false, s.fail(ctx, t, states.NelsTransferError, errors.New("no source path recorded"))
	}
	s.discardPrevious(t)
	tmp, err := s.staging.NewFile(path.Base(t.Source))
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, err)
	}

	t, err = s.transition(ctx, t, tracking.SetState(states.NelsTransferRunning).WithTmpFile(tmp))
	if err != nil {
		return false, err
	}
	if err := s.archive.Pull(ctx, t.NelsID, t.Source, tmp); err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("copy from %s: %w", t.Source, err))
	}
	s.logger.Infof("Fetched %s for %s tracker %s into %s", t.Source, t.Kind, t.ID, tmp)

	if _, err := s.transition(ctx, t, tracking.SetState(states.NelsTransferOK)); err != nil {
		return false, err
	}
	return true, nil
}

// importTrigger starts the Galaxy history import as the owning user and
// waits for the import job.
func (s *WorkerService) importTrigger(ctx context.Context, t *tracking.Tracker) (bool, error) {
	if t.TmpFile == nil || *t.TmpFile == "" {
		return false, s.fail(ctx, t, states.NelsTransferError, errors.New("no staged file recorded"))
	}
	inst, err := s.instances.Get(t.Instance)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, err)
	}

	key, err := inst.UserAPIKey(ctx, t.UserEmail)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("get api key for %s: %w", t.UserEmail, err))
	}
	jobID, err := inst.TriggerImport(ctx, key, *t.TmpFile)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("trigger import: %w", err))
	}

	t, err = s.transition(ctx, t, tracking.SetState(states.HistoryImportTriggered).WithExportID(jobID))
	if err != nil {
		return false, err
	}
	return s.awaitImport(ctx, inst, t)
}

// importResume resumes polling an import job that was already triggered.
func (s *WorkerService) importResume(ctx context.Context, t *tracking.Tracker) (bool, error) {
	inst, err := s.instances.Get(t.Instance)
	if err != nil {
		return false, s.fail(ctx, t, states.NelsTransferError, err)
	}
	return s.awaitImport(ctx, inst, t)
}

// discardPrevious removes a file left by an earlier failed attempt before a
// requeued step stages a new one.
func (s *WorkerService) discardPrevious(t *tracking.Tracker) {
	if t.TmpFile == nil || *t.TmpFile == "" {
		return
	}
	s.logger.Infof("Removing %s left by an earlier attempt of %s tracker %s", *t.TmpFile, t.Kind, t.ID)
	s.removeStaged(t)
}

func (s *WorkerService) removeStaged(t *tracking.Tracker) {
	if t.TmpFile == nil || *t.TmpFile == "" {
		return
	}
	if err := s.staging.Remove(*t.TmpFile); err != nil {
		s.logger.Warnf("Error removing staged file %s: %v", *t.TmpFile, err)
	}
}
