package foldercache_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestFolderCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FolderCache Suite")
}
