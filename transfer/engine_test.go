package transfer_test

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/provider"
	"github.com/cloudflare-r2-browser/core/transfer"
)

func filepathKey(prefix string, i int) string {
	return fmt.Sprintf("%sfile%d.bin", prefix, i)
}

func noopListInput(bucket, prefix string) provider.ListObjectsInput {
	return provider.ListObjectsInput{Bucket: bucket, Prefix: prefix}
}

func newTestEngine(cfg cmn.Config, fp *fakeProvider) *transfer.Engine {
	cache := foldercache.New(cfg.CacheCapacity, cfg.CacheTTL, cfg.CacheStaleness)
	e, err := transfer.New(fp, cache, cfg)
	Expect(err).NotTo(HaveOccurred())
	return e
}

func eventuallyTerminal(e *transfer.Engine, id string) transfer.Task {
	var task transfer.Task
	Eventually(func() bool {
		t, err := e.Get(id)
		if err != nil {
			return false
		}
		task = t
		return t.Status.IsTerminal()
	}, 3*time.Second, 10*time.Millisecond).Should(BeTrue())
	return task
}

var _ = Describe("Engine", func() {
	var (
		cfg cmn.Config
		fp  *fakeProvider
		dir string
	)

	BeforeEach(func() {
		cfg = cmn.Defaults()
		fp = newFakeProvider()
		var err error
		dir, err = os.MkdirTemp("", "transfer-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	// S4: upload streams a local file, download streams it back byte-identical.
	It("round-trips a file through upload then download", func() {
		e := newTestEngine(cfg, fp)
		defer e.Close()

		content := []byte("hello from the transfer engine")
		src := filepath.Join(dir, "src.bin")
		Expect(os.WriteFile(src, content, 0o644)).To(Succeed())

		up, err := e.EnqueueUpload("bucket", "obj.bin", src, int64(len(content)))
		Expect(err).NotTo(HaveOccurred())
		final := eventuallyTerminal(e, up.ID)
		Expect(final.Status).To(Equal(transfer.StatusCompleted))
		Expect(final.Transferred).To(Equal(int64(len(content))))

		dst := filepath.Join(dir, "dst.bin")
		down, err := e.EnqueueDownload("bucket", "obj.bin", dst)
		Expect(err).NotTo(HaveOccurred())
		final = eventuallyTerminal(e, down.ID)
		Expect(final.Status).To(Equal(transfer.StatusCompleted))

		got, err := os.ReadFile(dst)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(content))
	})

	// S5: recursive delete removes every key under the prefix and ends with
	// Transferred == TotalCount and progress 1.
	It("recursively deletes every object under a prefix", func() {
		e := newTestEngine(cfg, fp)
		defer e.Close()

		for i := 0; i < 5; i++ {
			fp.seed("bucket", filepathKey("docs/", i), []byte("x"))
		}

		t, err := e.EnqueueDelete("bucket", "", "docs/")
		Expect(err).NotTo(HaveOccurred())
		final := eventuallyTerminal(e, t.ID)
		Expect(final.Status).To(Equal(transfer.StatusCompleted))
		Expect(final.Transferred).To(Equal(int64(5)))
		Expect(final.TotalCount).To(Equal(int64(5)))
		Expect(final.Progress()).To(Equal(1.0))

		listing, err := fp.ListObjects(nil, noopListInput("bucket", "docs/"))
		Expect(err).NotTo(HaveOccurred())
		Expect(listing.Objects).To(BeEmpty())
	})

	// S6: cancelling an in-flight upload stops it before completion.
	It("cancels an in-flight upload before it completes", func() {
		cfg.MaxConcurrentUploads = 1
		fp.putDelay = 50 * time.Millisecond
		e := newTestEngine(cfg, fp)
		defer e.Close()

		content := make([]byte, 64)
		src := filepath.Join(dir, "slow.bin")
		Expect(os.WriteFile(src, content, 0o644)).To(Succeed())

		up, err := e.EnqueueUpload("bucket", "slow.bin", src, int64(len(content)))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() transfer.Status {
			t, _ := e.Get(up.ID)
			return t.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(transfer.StatusRunning))

		_, err = e.Cancel(up.ID)
		Expect(err).NotTo(HaveOccurred())

		final := eventuallyTerminal(e, up.ID)
		Expect(final.Status).To(Equal(transfer.StatusCancelled))
	})

	It("always mints a new task id on retry", func() {
		e := newTestEngine(cfg, fp)
		defer e.Close()

		down, err := e.EnqueueDownload("bucket", "does-not-exist.bin", filepath.Join(dir, "out.bin"))
		Expect(err).NotTo(HaveOccurred())
		final := eventuallyTerminal(e, down.ID)
		Expect(final.Status).To(Equal(transfer.StatusFailed))

		retried, err := e.RetryTransfer(down.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(retried.ID).NotTo(Equal(down.ID))
		Expect(retried.RetriedFrom).To(Equal(down.ID))
	})

	It("pauses a queued task and resumes it to completion", func() {
		cfg.MaxConcurrentUploads = 1
		fp.putDelay = 100 * time.Millisecond
		e := newTestEngine(cfg, fp)
		defer e.Close()

		content := []byte("blocking upload")
		src1 := filepath.Join(dir, "first.bin")
		Expect(os.WriteFile(src1, content, 0o644)).To(Succeed())
		src2 := filepath.Join(dir, "second.bin")
		Expect(os.WriteFile(src2, content, 0o644)).To(Succeed())

		first, err := e.EnqueueUpload("bucket", "first.bin", src1, int64(len(content)))
		Expect(err).NotTo(HaveOccurred())
		second, err := e.EnqueueUpload("bucket", "second.bin", src2, int64(len(content)))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() transfer.Status {
			t, _ := e.Get(second.ID)
			return t.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(transfer.StatusQueued))

		_, err = e.Pause(second.ID)
		Expect(err).NotTo(HaveOccurred())
		paused, err := e.Get(second.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(paused.Status).To(Equal(transfer.StatusPaused))

		eventuallyTerminal(e, first.ID)

		_, err = e.Resume(second.ID)
		Expect(err).NotTo(HaveOccurred())
		final := eventuallyTerminal(e, second.ID)
		Expect(final.Status).To(Equal(transfer.StatusCompleted))
	})
})
