package group_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	grp "github.com/radiocosmology/alpenhornd/ioclass/group"
)

var _ = Describe("LustreHSM group", func() {
	hsmNode := archivedb.StorageNode{ID: 1, Name: "tape1", Host: "host1", IOClass: "LustreHSM"}
	smallfileNode := archivedb.StorageNode{ID: 2, Name: "disk1", Host: "host1"}
	otherHSMNode := archivedb.StorageNode{ID: 3, Name: "tape2", Host: "host1", IOClass: "LustreHSM"}

	var hsmIO, smallIO *fakeNodeIO

	BeforeEach(func() {
		hsmIO = &fakeNodeIO{existsRelpath: "acq/big.dat", existsOK: true, reserveOK: true}
		smallIO = &fakeNodeIO{existsRelpath: "acq/small.dat", existsOK: true, reserveOK: true}
	})

	newDeps := func() grp.Deps {
		return grp.Deps{
			Host: "host1",
			NodeIO: func(row archivedb.StorageNode) (ioclass.NodeIO, error) {
				if row.ID == hsmNode.ID {
					return hsmIO, nil
				}
				return smallIO, nil
			},
			NodeIdle: func(row archivedb.StorageNode) bool { return true },
		}
	}

	It("requires exactly two nodes", func() {
		g, err := grp.NewLustreHSM(newDeps(), nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = g.SetNodes(context.Background(), []archivedb.StorageNode{hsmNode})
		Expect(err).To(HaveOccurred())
	})

	It("rejects two LustreHSM nodes", func() {
		g, err := grp.NewLustreHSM(newDeps(), nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = g.SetNodes(context.Background(), []archivedb.StorageNode{hsmNode, otherHSMNode})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a pair with no LustreHSM node", func() {
		g, err := grp.NewLustreHSM(newDeps(), nil)
		Expect(err).NotTo(HaveOccurred())

		other := archivedb.StorageNode{ID: 4, Name: "disk2", Host: "host1"}
		_, err = g.SetNodes(context.Background(), []archivedb.StorageNode{smallfileNode, other})
		Expect(err).To(HaveOccurred())
	})

	It("routes pulls by file size against the threshold", func() {
		g, err := grp.NewLustreHSM(newDeps(), []byte(`{"threshold":1000}`))
		Expect(err).NotTo(HaveOccurred())

		_, err = g.SetNodes(context.Background(), []archivedb.StorageNode{hsmNode, smallfileNode})
		Expect(err).NotTo(HaveOccurred())

		small := ioclass.PullRequest{File: archivedb.ArchiveFile{SizeB: 500}}
		Expect(g.Pull(context.Background(), small)).To(Succeed())
		Expect(smallIO.pulled).To(HaveLen(1))
		Expect(hsmIO.pulled).To(BeEmpty())

		big := ioclass.PullRequest{File: archivedb.ArchiveFile{SizeB: 5000}}
		Expect(g.Pull(context.Background(), big)).To(Succeed())
		Expect(hsmIO.pulled).To(HaveLen(1))
	})

	It("checks the smallfile node before the HSM node in Exists", func() {
		g, err := grp.NewLustreHSM(newDeps(), nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = g.SetNodes(context.Background(), []archivedb.StorageNode{hsmNode, smallfileNode})
		Expect(err).NotTo(HaveOccurred())

		node, ok, err := g.Exists(context.Background(), "acq/small.dat")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(node).To(Equal(smallfileNode))
	})
})
