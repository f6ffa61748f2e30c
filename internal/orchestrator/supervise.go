package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/kiwix/zimfarm-go/internal/containerrt"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// superviseUntilScraperExits reloads container state, rescans the
// workdir for new *.zim files, and drives the upload manager on every
// tick of SupervisionInterval, until the scraper container stops
// running or ctx is canceled.
func (r *run) superviseUntilScraperExits(ctx context.Context) (exitCode int, err error) {
	ticker := time.NewTicker(r.o.cfg.SupervisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		r.rescanWorkdir()
		if err := r.upl.Tick(ctx); err != nil {
			glog.Errorf("orchestrator: upload tick for %s: %v", r.t.ID, err)
		}
		r.checkStuck(ctx)

		scraperSt, sidecarsDown, err := r.reloadContainerState(ctx)
		if err != nil {
			return 0, err
		}
		if sidecarsDown {
			glog.Warningf("orchestrator: a sidecar container for %s exited early", r.t.ID)
		}
		if !scraperSt.Running {
			return scraperSt.ExitCode, nil
		}
	}
}

// reloadContainerState inspects the scraper and its two sidecars
// (DNS cache, log uploader) concurrently, one tick's worth of Docker
// API calls run in parallel rather than serialized. Only the scraper's
// state is used to drive the supervision loop; a sidecar that exited
// early is just logged; it does not end the task by itself.
func (r *run) reloadContainerState(ctx context.Context) (scraperSt containerrt.State, sidecarsDown bool, err error) {
	var dnsSt, logSt containerrt.State
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		scraperSt, err = r.o.rt.Inspect(gctx, r.scraperID)
		return err
	})
	g.Go(func() error {
		var err error
		dnsSt, err = r.o.rt.Inspect(gctx, r.dnsID)
		return err
	})
	g.Go(func() error {
		var err error
		logSt, err = r.o.rt.Inspect(gctx, r.logUpID)
		return err
	})

	if err := g.Wait(); err != nil {
		return containerrt.State{}, false, fmt.Errorf("orchestrator: reload container state: %w", err)
	}
	return scraperSt, !dnsSt.Running || !logSt.Running, nil
}

// rescanWorkdir discovers new *.zim files: each one found is registered
// with the upload manager and reported with a created_file event.
func (r *run) rescanWorkdir() {
	entries, err := os.ReadDir(r.workdir)
	if err != nil {
		glog.Errorf("orchestrator: rescan workdir for %s: %v", r.t.ID, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zim") {
			continue
		}
		if r.knownFiles[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		r.knownFiles[e.Name()] = true
		r.upl.Register(e.Name(), info.Size())
		if err := r.o.client.PatchEvent(context.Background(), r.t.ID, task.EvtCreatedFile, map[string]interface{}{
			"name": e.Name(), "size": info.Size(),
		}); err != nil {
			glog.Errorf("orchestrator: patch created_file %s: %v", e.Name(), err)
		}
	}
}

// checkStuck kills the scraper if its last 100 log lines haven't
// changed in StuckThreshold.
func (r *run) checkStuck(ctx context.Context) {
	if r.stuck == nil {
		return
	}
	stuck, err := r.stuck.Poll(ctx)
	if err != nil {
		glog.Errorf("orchestrator: stuck poll for %s: %v", r.t.ID, err)
		return
	}
	if stuck {
		glog.Warningf("orchestrator: scraper for %s stuck, killing", r.t.ID)
		_ = r.o.rt.Stop(ctx, r.scraperID, r.o.cfg.StopTimeout)
	}
}

// finishScraper reads the exit code and log tails, PATCHes
// scraper_completed, and finalizes the log uploader: stop watch mode,
// restart one-shot, wait.
func (r *run) finishScraper(ctx context.Context, exitCode int) error {
	stdout, stderr, err := r.o.rt.TailLogs(ctx, r.scraperID, 1000, r.o.cfg.MaxLogBytes)
	if err != nil {
		glog.Errorf("orchestrator: tail scraper logs for %s: %v", r.t.ID, err)
	}

	if err := r.o.client.PatchEvent(ctx, r.t.ID, task.EvtScraperComplete, map[string]interface{}{
		"exit_code": exitCode,
		"stdout": stdout,
		"stderr": stderr,
	}); err != nil {
		return fmt.Errorf("orchestrator: patch scraper_completed: %w", err)
	}

	if err := r.o.rt.Stop(ctx, r.logUpID, r.o.cfg.StopTimeout); err != nil {
		glog.Warningf("orchestrator: stop watch log uploader for %s: %v", r.t.ID, err)
	}
	_ = r.o.rt.Remove(ctx, r.logUpID)

	if err := r.startLogUploader(ctx, false); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.o.cfg.LogFinalizeTimeout)
	defer cancel()
	if _, err := r.o.rt.Wait(waitCtx, r.logUpID); err != nil {
		glog.Errorf("orchestrator: finalize log upload for %s: %v", r.t.ID, err)
	}
	_ = r.o.rt.Remove(ctx, r.logUpID)
	return nil
}

// drainUploads keeps ticking the upload manager until no file is
// pending or uploading.
func (r *run) drainUploads(ctx context.Context) {
	for r.upl.PendingOrUploading() {
		if err := r.upl.Tick(ctx); err != nil {
			glog.Errorf("orchestrator: drain upload tick for %s: %v", r.t.ID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.o.cfg.SupervisionInterval):
		}
	}
}

// finish reports succeeded or failed with the task-worker's own log
// tail, then removes the workdir unless it still holds ZIM files.
func (r *run) finish(ctx context.Context, exitCode int) error {
	ownLog := tailOwnLog(r.o.cfg.SelfLogPath, r.o.cfg.MaxLogBytes)
	code := task.EvtSucceeded
	if exitCode != 0 || r.upl.AnyFailed() {
		code = task.EvtFailed
	}
	if err := r.o.client.PatchEvent(ctx, r.t.ID, code, map[string]interface{}{"log": ownLog}); err != nil {
		return fmt.Errorf("orchestrator: patch %s: %w", code, err)
	}
	r.cleanupWorkdir()
	return nil
}

func (r *run) cleanupWorkdir() {
	entries, err := os.ReadDir(r.workdir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".zim") {
			glog.Errorf("orchestrator: keeping workdir %s, it still holds zim files", r.workdir)
			return
		}
	}
	if err := os.RemoveAll(r.workdir); err != nil {
		glog.Errorf("orchestrator: remove workdir %s: %v", r.workdir, err)
	}
}

// cleanupOnCancel stops scraper, DNS cache, and uploader in order with
// a StopTimeout each, PATCHes canceled, and removes the workdir.
func (r *run) cleanupOnCancel(ctx context.Context) {
	background := context.Background()
	for _, id := range []string{r.scraperID, r.dnsID, r.logUpID} {
		if id == "" {
			continue
		}
		_ = r.o.rt.Stop(background, id, r.o.cfg.StopTimeout)
	}
	if err := r.o.client.PatchEvent(background, r.t.ID, task.EvtCanceled, map[string]interface{}{
		"canceled_by": r.o.cfg.CanceledBy,
	}); err != nil {
		glog.Errorf("orchestrator: patch canceled for %s: %v", r.t.ID, err)
	}
	os.RemoveAll(filepath.Join(r.o.cfg.WorkDirRoot, r.t.ID))
}
