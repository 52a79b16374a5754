package autoimport_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/autoimport"
	"github.com/radiocosmology/alpenhornd/ioclass/defaultio"
	"github.com/radiocosmology/alpenhornd/updateloop"
)

var _ = Describe("Watcher", func() {
	It("imports a file created under a watched node root", func() {
		store := archivedb.NewMemStore()
		acq := store.PutAcq(archivedb.ArchiveAcq{Name: "acq1"})
		file := store.PutFile(archivedb.ArchiveFile{AcqID: acq.ID, AcqName: acq.Name, Name: "f1.dat"})

		root := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(root, "acq1"), 0o755)).To(Succeed())
		row := store.PutNode(archivedb.StorageNode{Name: "node1", Root: root, AutoImport: true})
		node := &updateloop.UpdateableNode{Row: row, IO: defaultio.New(row, defaultio.Deps{Store: store})}

		w, err := autoimport.NewWatcher(&autoimport.Importer{Store: store})
		Expect(err).NotTo(HaveOccurred())
		w.Sync(map[string]*updateloop.UpdateableNode{"node1": node})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done := make(chan struct{})
		go func() { w.Run(ctx); close(done) }()

		time.Sleep(50 * time.Millisecond) // let the watch goroutine reach its select
		Expect(os.WriteFile(filepath.Join(root, "acq1", "f1.dat"), []byte("hello"), 0o644)).To(Succeed())

		Eventually(func() archivedb.HasFileState {
			state, _ := store.FilecopyState(context.Background(), file.ID, []int64{row.ID})
			return state
		}, "1s", "20ms").Should(Equal(archivedb.HasFileYes))

		cancel()
		<-done
	})

	It("does not watch a node whose io_class is Polling", func() {
		store := archivedb.NewMemStore()
		root := GinkgoT().TempDir()
		row := store.PutNode(archivedb.StorageNode{Name: "poll1", Root: root, AutoImport: true, IOClass: "Polling"})
		node := &updateloop.UpdateableNode{Row: row, IO: defaultio.New(row, defaultio.Deps{Store: store})}

		w, err := autoimport.NewWatcher(&autoimport.Importer{Store: store})
		Expect(err).NotTo(HaveOccurred())
		w.Sync(map[string]*updateloop.UpdateableNode{"poll1": node})

		// Sync is idempotent and a no-op for Polling nodes; nothing to
		// assert beyond it not panicking, since Watcher has no exported
		// introspection into its watch set.
		w.Sync(map[string]*updateloop.UpdateableNode{"poll1": node})
	})
})
