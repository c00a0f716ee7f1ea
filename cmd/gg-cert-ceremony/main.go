// Command gg-cert-ceremony pre-seeds a CA keystore from a YAML
// ceremony file, the same operator-driven key-ceremony workflow
// cmd/ceremony performs for boulder's CFSSL-backed CA, narrowed here to
// this core's single keystore format.
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edgecore/gg-cert-core/certstore"
	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/log"
)

// ceremonyConfig is the operator-authored description of a single CA
// pre-seeding run.
type ceremonyConfig struct {
	WorkDir    string `yaml:"work-dir"`
	CAType     string `yaml:"ca-type"`
	Passphrase string `yaml:"passphrase"`
}

func (c ceremonyConfig) validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir is required")
	}
	caType := corecerts.CAType(c.CAType)
	if !caType.Valid() {
		return fmt.Errorf("ca-type must be %q or %q", corecerts.RSA2048, corecerts.ECDSAP256)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to the ceremony YAML file")
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-config is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*configPath)
	failOnError(err, "reading ceremony config")

	var cfg ceremonyConfig
	failOnError(yaml.Unmarshal(raw, &cfg), "parsing ceremony config")
	failOnError(cfg.validate(), "validating ceremony config")

	logger := log.NewStdLogger("gg-cert-ceremony")
	store := certstore.New(cfg.WorkDir, logger)
	err = store.Update(cfg.Passphrase, corecerts.CAType(cfg.CAType))
	failOnError(err, "running CA ceremony")

	cert, err := store.CACertificate()
	failOnError(err, "reading generated CA certificate")

	fmt.Printf("CA ceremony complete: serial=%s not-after=%s\n", cert.Certificate.SerialNumber, cert.NotAfter())
}

func failOnError(err error, context string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", context, err)
		os.Exit(1)
	}
}
