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

var _ = Describe("Poller", func() {
	It("sweeps only nodes with io_class=Polling and auto_import set", func() {
		store := archivedb.NewMemStore()
		acq := store.PutAcq(archivedb.ArchiveAcq{Name: "acq1"})
		file := store.PutFile(archivedb.ArchiveFile{AcqID: acq.ID, AcqName: acq.Name, Name: "f1.dat"})

		pollRoot := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(pollRoot, "acq1"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(pollRoot, "acq1", "f1.dat"), []byte("x"), 0o644)).To(Succeed())
		pollRow := store.PutNode(archivedb.StorageNode{
			Name: "poll1", Root: pollRoot, AutoImport: true, IOClass: "Polling",
		})

		defaultRoot := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(defaultRoot, "acq1"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(defaultRoot, "acq1", "f1.dat"), []byte("x"), 0o644)).To(Succeed())
		defaultRow := store.PutNode(archivedb.StorageNode{
			Name: "def1", Root: defaultRoot, AutoImport: true,
		})

		nodes := map[string]*updateloop.UpdateableNode{
			"poll1": {Row: pollRow, IO: defaultio.New(pollRow, defaultio.Deps{Store: store})},
			"def1":  {Row: defaultRow, IO: defaultio.New(defaultRow, defaultio.Deps{Store: store})},
		}

		p := autoimport.NewPoller(&autoimport.Importer{Store: store}, 10*time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
		defer cancel()
		p.Run(ctx, func() map[string]*updateloop.UpdateableNode { return nodes })

		pollState, err := store.FilecopyState(context.Background(), file.ID, []int64{pollRow.ID})
		Expect(err).NotTo(HaveOccurred())
		Expect(pollState).To(Equal(archivedb.HasFileYes))

		defState, err := store.FilecopyState(context.Background(), file.ID, []int64{defaultRow.ID})
		Expect(err).NotTo(HaveOccurred())
		Expect(defState).To(Equal(archivedb.HasFileNo)) // Default-class node is Watcher's job, not Poller's
	})
})
