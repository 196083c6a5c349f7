package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/healthledger/internal/canonical"
	"github.com/jmerrifield20/healthledger/internal/ledger"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
	"github.com/jmerrifield20/healthledger/internal/server/handler"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "healthledger operator CLI",
	Long: `ledgerctl generates key material, computes record digests, verifies a
persisted audit ledger, and signs or verifies attestation payloads.

It reads the same configuration as ledgerd (configs/ledgerd.yaml and
environment variables such as DATABASE_URL or CRYPTO_RSA_KEY_DIR).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("ledgerd")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		_ = viper.BindEnv("database.url", "DATABASE_URL")
		viper.SetDefault("crypto.rsa_key_dir", "keys")
		_ = viper.ReadInConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledgerd.yaml)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifySignatureCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// readPayload returns the JSON payload given as the sole argument, or read
// from stdin when the argument is "-" or absent.
func readPayload(cmd *cobra.Command, args []string) (any, error) {
	var raw []byte
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	} else {
		raw = []byte(args[0])
	}
	var payload any
	if err := canonical.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate record encryption or signing keys",
}

var keygenAESCmd = &cobra.Command{
	Use:   "aes",
	Short: "Print a fresh base64 256-bit key for crypto.aes_master_key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := recordcrypt.GenerateSymmetricKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var (
	rsaDir  string
	rsaBits int
)

var keygenRSACmd = &cobra.Command{
	Use:   "rsa",
	Short: "Write an RSA key pair as private.pem and public.pem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := rsaDir
		if dir == "" {
			dir = viper.GetString("crypto.rsa_key_dir")
		}
		if _, err := recordcrypt.GenerateKeyPair(dir, rsaBits); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "RSA-%d key pair written to %s\n", rsaBits, dir)
		return nil
	},
}

func init() {
	keygenRSACmd.Flags().StringVar(&rsaDir, "dir", "", "output directory (default crypto.rsa_key_dir)")
	keygenRSACmd.Flags().IntVar(&rsaBits, "bits", recordcrypt.MinRSABits, "modulus size in bits")
	keygenCmd.AddCommand(keygenAESCmd, keygenRSACmd)
}

// ── hash ─────────────────────────────────────────────────────────────────────

var hashCmd = &cobra.Command{
	Use:   "hash [json|-]",
	Short: "Print the SHA-256 digest of a JSON payload's canonical form",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd, args)
		if err != nil {
			return err
		}
		digest, err := ledger.HashRecord(payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), digest)
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyShowBlocks bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the persisted ledger from Postgres and check its integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbURL := viper.GetString("database.url")
		if dbURL == "" {
			return errors.New("database.url is not set")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		blocks, err := ledger.NewPostgresStore(db, nil).Load(ctx)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return errors.New("ledger is empty")
		}

		out := cmd.OutOrStdout()
		if verifyShowBlocks {
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tTIMESTAMP\tACTION\tACTOR\tNONCE\tHASH")
			for _, b := range blocks {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
					b.Index, b.Timestamp.Format(time.RFC3339), b.Action, b.CreatedBy, b.Nonce, b.BlockHash)
			}
			tw.Flush()
		}

		l, err := ledger.Restore(blocks)
		if err != nil {
			fmt.Fprintf(out, "INVALID: %v\n", err)
			return err
		}
		fmt.Fprintf(out, "OK: %d blocks, tip %s\n", l.Len(), l.Tip().BlockHash)
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyShowBlocks, "blocks", false, "print every block before verifying")
}

// ── sign / verify-signature ──────────────────────────────────────────────────

var signKeyDir string

func loadSigner() (*recordcrypt.Signer, error) {
	dir := signKeyDir
	if dir == "" {
		dir = viper.GetString("crypto.rsa_key_dir")
	}
	priv, pub, err := recordcrypt.LoadKeyPair(dir)
	if err != nil {
		return nil, err
	}
	return recordcrypt.NewSigner(priv, pub)
}

var signCmd = &cobra.Command{
	Use:   "sign [json|-]",
	Short: "Sign a JSON payload and print the base64 signature",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd, args)
		if err != nil {
			return err
		}
		sig, err := signer.Sign(payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sig))
		return nil
	},
}

var signature string

var verifySignatureCmd = &cobra.Command{
	Use:   "verify-signature --signature <base64> [json|-]",
	Short: "Check a base64 signature against a JSON payload",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd, args)
		if err != nil {
			return err
		}
		sig, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("decode signature: %w", err)
		}
		if !signer.Verify(payload, sig) {
			fmt.Fprintln(cmd.OutOrStdout(), "INVALID")
			return errors.New("signature does not match payload")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "VALID")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{signCmd, verifySignatureCmd} {
		c.Flags().StringVar(&signKeyDir, "key-dir", "", "directory holding private.pem/public.pem (default crypto.rsa_key_dir)")
	}
	verifySignatureCmd.Flags().StringVar(&signature, "signature", "", "base64 signature")
	_ = verifySignatureCmd.MarkFlagRequired("signature")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenRole string
	tokenName string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <actor-id>",
	Short: "Issue an actor bearer token signed with auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens := handler.NewActorTokens(viper.GetString("auth.jwt_secret"), tokenTTL)
		tok, err := tokens.Issue(args[0], tokenName, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "Doctor", "actor role")
	tokenCmd.Flags().StringVar(&tokenName, "username", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
	},
}
