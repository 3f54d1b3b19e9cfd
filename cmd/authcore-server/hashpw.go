package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/password"
)

func newHashPasswordCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a secret from stdin and print its argon2id hash",
		Long: `Read a secret from stdin and print its argon2id PHC string, using the
password cost from --config. Useful for seeding users directly in the
database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cost, err := authcore.LoadPasswordConfig(g.configPath)
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			hash, err := hashSecret(cost, strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func hashSecret(cfg authcore.PasswordConfig, secret string) (string, error) {
	h, err := password.NewHasher(password.Config{
		Memory:      cfg.Memory,
		Time:        cfg.Time,
		Parallelism: cfg.Parallelism,
		SaltLength:  cfg.SaltLength,
		KeyLength:   cfg.KeyLength,
	})
	if err != nil {
		return "", err
	}
	return h.Hash(secret)
}
