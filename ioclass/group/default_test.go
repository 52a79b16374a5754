package group_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	grp "github.com/radiocosmology/alpenhornd/ioclass/group"
)

var _ = Describe("Default", func() {
	node1 := archivedb.StorageNode{ID: 1, Name: "node1", Host: "host1"}
	node2 := archivedb.StorageNode{ID: 2, Name: "node2", Host: "host1"}

	newDeps := func(io *fakeNodeIO) grp.Deps {
		return grp.Deps{
			Host: "host1",
			NodeIO: func(row archivedb.StorageNode) (ioclass.NodeIO, error) {
				return io, nil
			},
			NodeIdle: func(row archivedb.StorageNode) bool { return true },
		}
	}

	It("rejects a node count other than one", func() {
		g := grp.NewDefault(newDeps(&fakeNodeIO{}))

		_, err := g.SetNodes(context.Background(), nil)
		Expect(err).To(HaveOccurred())

		_, err = g.SetNodes(context.Background(), []archivedb.StorageNode{node1, node2})
		Expect(err).To(HaveOccurred())
	})

	It("forwards Exists and Pull to the sole node", func() {
		io := &fakeNodeIO{existsRelpath: "acq/file.dat", existsOK: true, reserveOK: true}
		g := grp.NewDefault(newDeps(io))

		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{node1})
		Expect(err).NotTo(HaveOccurred())

		found, ok, err := g.Exists(context.Background(), "acq/file.dat")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(found).To(Equal(node1))

		req := ioclass.PullRequest{File: archivedb.ArchiveFile{AcqName: "acq", Name: "file.dat"}}
		Expect(g.Pull(context.Background(), req)).To(Succeed())
		Expect(io.pulled).To(HaveLen(1))
	})

	It("reports idle via the injected NodeIdle resolver", func() {
		io := &fakeNodeIO{}
		deps := newDeps(io)
		deps.NodeIdle = func(row archivedb.StorageNode) bool { return row.ID == node1.ID }
		g := grp.NewDefault(deps)

		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{node1})
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Idle(context.Background())).To(BeTrue())
	})
})
