package cmd

import (
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"github.com/wkalt/walrus/storage"
)

var (
	logName string

	storageRoot string
	s3Bucket    string
	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3Insecure  bool
)

var rootCmd = &cobra.Command{
	Use:   "walrus",
	Short: "walrus log administration",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func bailf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func checkErr(err error) {
	if err != nil {
		bailf("error: %v", err)
	}
}

// provider builds the storage backend from the persistent flags. An S3
// bucket takes precedence; otherwise objects live under a local directory.
func provider() storage.Provider {
	if s3Bucket != "" {
		mc, err := minio.New(s3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(s3AccessKey, s3SecretKey, ""),
			Secure: !s3Insecure,
		})
		checkErr(err)
		return storage.NewS3Store(mc, s3Bucket)
	}
	return storage.NewDirectoryStore(storageRoot)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logName, "log", "l", "", "log name")
	rootCmd.PersistentFlags().StringVarP(&storageRoot, "root", "", ".", "directory storage root")
	rootCmd.PersistentFlags().StringVarP(&s3Bucket, "bucket", "", "", "S3 bucket (overrides --root)")
	rootCmd.PersistentFlags().StringVarP(&s3Endpoint, "endpoint", "", "localhost:9000", "S3 endpoint")
	rootCmd.PersistentFlags().StringVarP(&s3AccessKey, "access-key-id", "", "minioadmin", "S3 access key ID")
	rootCmd.PersistentFlags().StringVarP(&s3SecretKey, "secret-key", "", "minioadmin", "S3 secret key")
	rootCmd.PersistentFlags().BoolVarP(&s3Insecure, "insecure", "", false, "use plain HTTP for S3")
}
