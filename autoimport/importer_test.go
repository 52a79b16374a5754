package autoimport_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/autoimport"
	"github.com/radiocosmology/alpenhornd/extension"
	"github.com/radiocosmology/alpenhornd/ioclass/defaultio"
	"github.com/radiocosmology/alpenhornd/updateloop"
)

var _ = Describe("Importer", func() {
	var (
		root  string
		store *archivedb.MemStore
		node  *updateloop.UpdateableNode
		imp   *autoimport.Importer
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		store = archivedb.NewMemStore()
		row := store.PutNode(archivedb.StorageNode{Name: "node1", Root: root, AutoImport: true})
		node = &updateloop.UpdateableNode{Row: row, IO: defaultio.New(row, defaultio.Deps{Store: store})}
		imp = &autoimport.Importer{Store: store}
	})

	It("registers a file under an acquisition directory", func() {
		acq := store.PutAcq(archivedb.ArchiveAcq{Name: "acq1"})
		file := store.PutFile(archivedb.ArchiveFile{AcqID: acq.ID, AcqName: acq.Name, Name: "f1.dat"})

		Expect(os.MkdirAll(filepath.Join(root, "acq1"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "acq1", "f1.dat"), []byte("hello"), 0o644)).To(Succeed())

		Expect(imp.Import(context.Background(), node, "acq1/f1.dat")).To(Succeed())

		state, err := store.FilecopyState(context.Background(), file.ID, []int64{node.Row.ID})
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(archivedb.HasFileYes))
	})

	It("skips a file a writer still has locked", func() {
		acq := store.PutAcq(archivedb.ArchiveAcq{Name: "acq1"})
		file := store.PutFile(archivedb.ArchiveFile{AcqID: acq.ID, AcqName: acq.Name, Name: "f1.dat"})

		Expect(os.MkdirAll(filepath.Join(root, "acq1"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "acq1", "f1.dat"), []byte("hello"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "acq1", ".f1.dat.lock"), nil, 0o644)).To(Succeed())

		Expect(imp.Import(context.Background(), node, "acq1/f1.dat")).To(Succeed())

		state, err := store.FilecopyState(context.Background(), file.ID, []int64{node.Row.ID})
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(archivedb.HasFileNo)) // still locked, so nothing was registered
	})

	It("skips a path with no recognizable acquisition", func() {
		Expect(os.WriteFile(filepath.Join(root, "bare.dat"), []byte("x"), 0o644)).To(Succeed())
		Expect(imp.Import(context.Background(), node, "bare.dat")).To(Succeed())
	})

	It("prefers an extension's import-detect over the directory heuristic", func() {
		Expect(os.MkdirAll(filepath.Join(root, "raw"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "raw", "weird-name.dat"), []byte("hi"), 0o644)).To(Succeed())

		extension.Register("autoimport-test-detect", detectExt{})
		reg, err := extension.Load([]string{"autoimport-test-detect"})
		Expect(err).NotTo(HaveOccurred())
		imp.Extensions = reg

		acq := store.PutAcq(archivedb.ArchiveAcq{Name: "detected-acq"})
		file := store.PutFile(archivedb.ArchiveFile{AcqID: acq.ID, AcqName: acq.Name, Name: "weird-name.dat"})

		Expect(imp.Import(context.Background(), node, "raw/weird-name.dat")).To(Succeed())

		state, err := store.FilecopyState(context.Background(), file.ID, []int64{node.Row.ID})
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(archivedb.HasFileYes))
	})
})

// detectExt routes every path to a fixed acquisition name, regardless
// of its directory, to exercise the extension override path.
type detectExt struct{}

func (detectExt) DBDriver() (string, bool) { return "", false }
func (detectExt) ImportDetect() (extension.ImportDetect, bool) {
	return func(relpath string) (string, bool) { return "detected-acq", true }, true
}
func (detectExt) RegisterIOClasses() {}
