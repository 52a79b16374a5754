package group_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	grp "github.com/radiocosmology/alpenhornd/ioclass/group"
)

var _ = Describe("Transport", func() {
	archiveNode := archivedb.StorageNode{ID: 1, Name: "archive1", Host: "host1", StorageType: archivedb.StorageArchive}
	full := archivedb.StorageNode{ID: 2, Name: "xfer-full", Host: "host1", StorageType: archivedb.StorageTransport, AvailGB: 10, AvailGBLastChecked: time.Now()}
	empty := archivedb.StorageNode{ID: 3, Name: "xfer-empty", Host: "host1", StorageType: archivedb.StorageTransport, AvailGB: 500, AvailGBLastChecked: time.Now()}

	ios := map[int64]*fakeNodeIO{}

	newDeps := func() grp.Deps {
		return grp.Deps{
			Host: "host1",
			NodeIO: func(row archivedb.StorageNode) (ioclass.NodeIO, error) {
				io, ok := ios[row.ID]
				if !ok {
					io = &fakeNodeIO{reserveOK: true}
					ios[row.ID] = io
				}
				return io, nil
			},
			NodeIdle: func(row archivedb.StorageNode) bool { return true },
		}
	}

	BeforeEach(func() {
		ios = map[int64]*fakeNodeIO{}
	})

	It("discards non-transport member nodes", func() {
		g := grp.NewTransport(newDeps())
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{archiveNode, full})
		Expect(err).NotTo(HaveOccurred())

		proceed, err := g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())
		Expect(proceed).To(BeTrue())
	})

	It("skips the update when no transport nodes remain", func() {
		g := grp.NewTransport(newDeps())
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{archiveNode})
		Expect(err).NotTo(HaveOccurred())

		proceed, err := g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())
		Expect(proceed).To(BeFalse())
	})

	It("ignores pulls whose source isn't local to this host", func() {
		g := grp.NewTransport(newDeps())
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{full, empty})
		Expect(err).NotTo(HaveOccurred())
		_, err = g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())

		req := ioclass.PullRequest{
			File:     archivedb.ArchiveFile{AcqName: "acq", Name: "file.dat", SizeB: 1024},
			NodeFrom: archivedb.StorageNode{Host: "otherhost"},
		}
		Expect(g.Pull(context.Background(), req)).To(Succeed())
		Expect(ios[full.ID].pulled).To(BeEmpty())
		Expect(ios[empty.ID].pulled).To(BeEmpty())
	})

	It("routes a pull to the fullest node that fits", func() {
		g := grp.NewTransport(newDeps())
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{full, empty})
		Expect(err).NotTo(HaveOccurred())
		_, err = g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())

		req := ioclass.PullRequest{
			File:     archivedb.ArchiveFile{AcqName: "acq", Name: "file.dat", SizeB: 1024},
			NodeFrom: archivedb.StorageNode{Host: "host1"},
		}
		Expect(g.Pull(context.Background(), req)).To(Succeed())
		Expect(ios[full.ID].pulled).To(HaveLen(1))
		Expect(ios[empty.ID].pulled).To(BeEmpty())
	})

	It("falls through to the next node when the fullest one is over max_total_gb", func() {
		store := archivedb.NewMemStore()
		overCap := 1.0
		full := store.PutNode(archivedb.StorageNode{
			ID: full.ID, Name: full.Name, Host: "host1", StorageType: archivedb.StorageTransport,
			AvailGB: 10, AvailGBLastChecked: time.Now(), MaxTotalGB: &overCap,
		})
		store.PutFile(archivedb.ArchiveFile{ID: 1, Name: "existing.dat", SizeB: 2_000_000_000})
		store.PutCopy(archivedb.ArchiveFileCopy{FileID: 1, NodeID: full.ID, HasFile: archivedb.HasFileYes, SizeB: 2_000_000_000})

		deps := newDeps()
		deps.Store = store
		g := grp.NewTransport(deps)
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{full, empty})
		Expect(err).NotTo(HaveOccurred())
		_, err = g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())

		req := ioclass.PullRequest{
			File:     archivedb.ArchiveFile{AcqName: "acq", Name: "file.dat", SizeB: 1024},
			NodeFrom: archivedb.StorageNode{Host: "host1"},
		}
		Expect(g.Pull(context.Background(), req)).To(Succeed())
		Expect(ios[full.ID].pulled).To(BeEmpty())
		Expect(ios[empty.ID].pulled).To(HaveLen(1))
	})

	It("falls through to the next node when the fullest one doesn't fit", func() {
		ios[full.ID] = &fakeNodeIO{reserveOK: false}
		ios[empty.ID] = &fakeNodeIO{reserveOK: true}
		g := grp.NewTransport(newDeps())
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{full, empty})
		Expect(err).NotTo(HaveOccurred())
		_, err = g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())

		req := ioclass.PullRequest{
			File:     archivedb.ArchiveFile{AcqName: "acq", Name: "file.dat", SizeB: 1024},
			NodeFrom: archivedb.StorageNode{Host: "host1"},
		}
		Expect(g.Pull(context.Background(), req)).To(Succeed())
		Expect(ios[full.ID].pulled).To(BeEmpty())
		Expect(ios[empty.ID].pulled).To(HaveLen(1))
	})

	It("reports idle only when every member node is idle", func() {
		deps := newDeps()
		deps.NodeIdle = func(row archivedb.StorageNode) bool { return row.ID == full.ID }
		g := grp.NewTransport(deps)
		_, err := g.SetNodes(context.Background(), []archivedb.StorageNode{full, empty})
		Expect(err).NotTo(HaveOccurred())
		_, err = g.BeforeUpdate(context.Background(), false)
		Expect(err).NotTo(HaveOccurred())

		Expect(g.Idle(context.Background())).To(BeFalse())
	})
})
