package lfs_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/radiocosmology/alpenhornd/lfs"
)

// fakeLFS writes an executable shell script standing in for lfs(1)
// that echoes canned hsm_state output for a given subcommand.
func fakeLFS(dir, stateLine string) *lfs.LFS {
	script := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\n  hsm_state) echo \"$2: %s\" ;;\n  *) exit 0 ;;\nesac\n", stateLine)
	path := filepath.Join(dir, "lfs")
	Expect(os.WriteFile(path, []byte(script), 0o755)).To(Succeed())
	return lfs.New(path)
}

var _ = Describe("LFS", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("parses an unarchived state", func() {
		l := fakeLFS(dir, "(0x00000000) exists")
		state, err := l.HSMState(context.Background(), "/x/f")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(lfs.Unarchived))
	})

	It("parses a restored state", func() {
		l := fakeLFS(dir, "(0x00000009) exists archived")
		state, err := l.HSMState(context.Background(), "/x/f")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(lfs.Restored))
	})

	It("parses a released state", func() {
		l := fakeLFS(dir, "(0x0000000d) exists archived released")
		state, err := l.HSMState(context.Background(), "/x/f")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(lfs.Released))
	})

	It("stringifies states", func() {
		Expect(lfs.Restored.String()).To(Equal("restored"))
		Expect(lfs.Missing.String()).To(Equal("missing"))
	})
})
