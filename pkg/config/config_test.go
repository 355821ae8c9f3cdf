/*
Copyright 2025 The Taskline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/config"
)

func writeConfig(doc string) string {
	path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
	ExpectWithOffset(1, os.WriteFile(path, []byte(doc), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Load", func() {
	It("boots on defaults with no file", func() {
		cfg, err := config.Load("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Server.Port).To(Equal(8090))
		Expect(cfg.Scheduler.MaxConcurrency).To(Equal(20))
		Expect(cfg.ObjectStore.Provider).To(Equal("local"))
		Expect(cfg.TempUploads.DefaultTTL).To(Equal(24 * time.Hour))
	})

	It("overlays file values on the defaults", func() {
		path := writeConfig(`
server:
  port: 9999
scheduler:
  maxConcurrency: 5
objectStore:
  provider: memory
`)
		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Server.Port).To(Equal(9999))
		Expect(cfg.Scheduler.MaxConcurrency).To(Equal(5))
		Expect(cfg.ObjectStore.Provider).To(Equal("memory"))
		// Untouched sections keep their defaults.
		Expect(cfg.Database.MaxOpenConns).To(Equal(25))
	})

	It("lets the environment win over the file", func() {
		GinkgoT().Setenv("TASKLINE_DB_DSN", "host=prod-db dbname=taskline")
		path := writeConfig(`
database:
  dsn: "host=file-db dbname=taskline"
`)
		cfg, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Database.DSN).To(Equal("host=prod-db dbname=taskline"))
	})

	It("rejects an unknown object store provider", func() {
		path := writeConfig(`
objectStore:
  provider: ftp
`)
		_, err := config.Load(path)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unreadable path", func() {
		_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})
})
