package cursor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	maxFileSize       = 100 << 20   // 100MB limit per file to prevent zip bombs
	dsStoreFile       = ".DS_Store" // macOS metadata file name
	appleDoublePrefix = "._"        // AppleDouble resource fork prefix
)

// CreateCheckpointIfEnabled makes a local copy of the badger directory and
// optionally uploads it to S3. A cursor store restored from a checkpoint is
// at most one checkpoint interval behind, which the at-least-once pipeline
// absorbs as re-published windows.
func (s *BadgerStore) CreateCheckpointIfEnabled() error {
	if !s.cp.Enabled {
		return nil
	}

	cpPath := filepath.Join(s.basePath, "checkpoint")
	_ = os.RemoveAll(cpPath)
	if err := copyDir(s.basePath, cpPath); err != nil {
		return err
	}

	if s.cp.S3.Enabled {
		return s.uploadToS3(cpPath)
	}
	return nil
}

func (s *BadgerStore) uploadToS3(cpPath string) error {
	ctx := context.Background()

	client, err := s.s3Client(ctx)
	if err != nil {
		return err
	}
	uploader := manager.NewUploader(client)

	tarFile := filepath.Join(os.TempDir(), fmt.Sprintf("%s-cursor-checkpoint.tar.gz", s.name))
	if tarErr := tarGz(cpPath, tarFile); tarErr != nil {
		return tarErr
	}

	file, err := os.Open(tarFile)
	if err != nil {
		return err
	}
	defer file.Close()

	key := fmt.Sprintf("%s%s.tar.gz", s.cp.S3.Prefix, s.name)
	res, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cp.S3.Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return err
	}
	log.Printf("[Checkpoint] Uploaded to %s", res.Location)
	return nil
}

// RestoreCheckpointIfAvailable downloads and extracts a checkpoint from S3 if
// one is present. Absence of a checkpoint is not an error.
func (s *BadgerStore) RestoreCheckpointIfAvailable() error {
	if !s.cp.Enabled || !s.cp.S3.Enabled {
		return nil
	}

	ctx := context.Background()
	client, err := s.s3Client(ctx)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s%s.tar.gz", s.cp.S3.Prefix, s.name)
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cp.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Printf("[Checkpoint] No checkpoint found in S3: %v", err)
		return nil
	}
	defer resp.Body.Close()

	log.Printf("[Checkpoint] Restoring cursor state for %s from S3…", s.name)
	return untarGz(resp.Body, s.basePath)
}

func (s *BadgerStore) s3Client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(s.cp.S3.Region),
		awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cp.S3.AccessKey, s.cp.S3.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.cp.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cp.S3.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

/* -------------------------------------------------------------------------- */
/*  tar/untar utilities                                                       */
/* -------------------------------------------------------------------------- */

func tarGz(source, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	cmd := exec.Command("tar", "-czf", "-", "-C", source, ".")
	cmd.Stdout = out
	return cmd.Run()
}

// copyDir recursively copies the directory tree from src to dst, skipping
// macOS metadata entries.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// The checkpoint output lives inside src; never copy it into itself.
		if path == dst {
			return filepath.SkipDir
		}

		name := info.Name()
		if strings.HasPrefix(name, appleDoublePrefix) || name == dsStoreFile {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// untarGz extracts a gzip-compressed tar archive from reader into the target
// directory, with path-traversal and size checks on every entry.
func untarGz(reader io.Reader, target string) error {
	gzr, err := gzip.NewReader(reader)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		base := filepath.Base(hdr.Name)
		if strings.HasPrefix(base, appleDoublePrefix) || base == dsStoreFile {
			continue
		}
		if hdr.Size > maxFileSize {
			return fmt.Errorf("file %s too large: %d bytes (max %d)", hdr.Name, hdr.Size, maxFileSize)
		}

		cleaned := filepath.Clean(hdr.Name)
		if strings.Contains(cleaned, "..") || strings.HasPrefix(cleaned, "/") {
			return fmt.Errorf("invalid file path: %s (path traversal detected)", hdr.Name)
		}
		path := filepath.Join(target, cleaned)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, dirMode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractRegularFile(tr, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractRegularFile(tr *tar.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, io.LimitReader(tr, maxFileSize))
	return err
}
