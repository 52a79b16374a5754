package archivedb_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/archivedb"
)

var _ = Describe("HasFileState ordering", func() {
	It("ranks Y above M above X above N", func() {
		Expect(archivedb.HasFileYes.Rank()).To(BeNumerically(">", archivedb.HasFileMaybe.Rank()))
		Expect(archivedb.HasFileMaybe.Rank()).To(BeNumerically(">", archivedb.HasFileCorrupt.Rank()))
		Expect(archivedb.HasFileCorrupt.Rank()).To(BeNumerically(">", archivedb.HasFileNo.Rank()))
	})

	DescribeTable("MaxHasFileState picks the greater state",
		func(a, b, want archivedb.HasFileState) {
			Expect(archivedb.MaxHasFileState(a, b)).To(Equal(want))
			Expect(archivedb.MaxHasFileState(b, a)).To(Equal(want))
		},
		Entry("Y beats N", archivedb.HasFileYes, archivedb.HasFileNo, archivedb.HasFileYes),
		Entry("M beats X", archivedb.HasFileMaybe, archivedb.HasFileCorrupt, archivedb.HasFileMaybe),
		Entry("X beats N", archivedb.HasFileCorrupt, archivedb.HasFileNo, archivedb.HasFileCorrupt),
		Entry("empty treated as N", archivedb.HasFileState(""), archivedb.HasFileYes, archivedb.HasFileYes),
	)
})

var _ = Describe("StorageGroup and StorageNode effective io_class", func() {
	It("defaults an empty io_class to Default", func() {
		g := archivedb.StorageGroup{Name: "grp"}
		Expect(g.EffectiveIOClass()).To(Equal("Default"))

		n := archivedb.StorageNode{Name: "node"}
		Expect(n.EffectiveIOClass()).To(Equal("Default"))
	})

	It("preserves a set io_class", func() {
		n := archivedb.StorageNode{IOClass: "LustreHSM"}
		Expect(n.EffectiveIOClass()).To(Equal("LustreHSM"))
	})
})

var _ = Describe("StorageNode capacity predicates", func() {
	It("treats a nil or non-positive max_total_gb as uncapped", func() {
		n := archivedb.StorageNode{}
		Expect(n.HasMaxTotalCap()).To(BeFalse())

		zero := 0.0
		n.MaxTotalGB = &zero
		Expect(n.HasMaxTotalCap()).To(BeFalse())

		ten := 10.0
		n.MaxTotalGB = &ten
		Expect(n.HasMaxTotalCap()).To(BeTrue())
	})

	It("treats a zero min_avail_gb as no floor", func() {
		n := archivedb.StorageNode{MinAvailGB: 0}
		Expect(n.HasMinAvailFloor()).To(BeFalse())

		n.MinAvailGB = 5
		Expect(n.HasMinAvailFloor()).To(BeTrue())
	})

	It("classifies archive nodes by storage_type", func() {
		Expect((&archivedb.StorageNode{StorageType: archivedb.StorageArchive}).IsArchive()).To(BeTrue())
		Expect((&archivedb.StorageNode{StorageType: archivedb.StorageTransport}).IsArchive()).To(BeFalse())
	})
})

var _ = Describe("ArchiveFile.RelPath", func() {
	It("joins the acquisition name and file name", func() {
		f := archivedb.ArchiveFile{AcqName: "20240101T000000Z_acq", Name: "fileA_00.h5"}
		Expect(f.RelPath()).To(Equal("20240101T000000Z_acq/fileA_00.h5"))
	})
})

var _ = Describe("ArchiveFileCopyRequest.Terminal", func() {
	It("is false until completed or cancelled", func() {
		r := archivedb.ArchiveFileCopyRequest{}
		Expect(r.Terminal()).To(BeFalse())

		r.Completed = true
		Expect(r.Terminal()).To(BeTrue())

		r = archivedb.ArchiveFileCopyRequest{Cancelled: true}
		Expect(r.Terminal()).To(BeTrue())
	})
})
