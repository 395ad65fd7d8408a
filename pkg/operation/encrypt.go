// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/filter/crypto"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdisk"
)

const (
	cryptPropKeyStore  = "CRYPT/KeyStore"
	cryptPropKeyID     = "CRYPT/KeyId"
	cryptPropAlgorithm = "CRYPT/Algorithm"
)

// EncryptParams configures an Encrypt task. An empty NewCipher decrypts
// the chain instead of re-encrypting it.
type EncryptParams struct {
	Target *medium.Medium // the base medium carrying CRYPT/* properties

	// OldPassword authenticates against the existing keystore. When left
	// empty on an encrypted target, the task resolves the password by the
	// stored CRYPT/KeyId through Passwords instead.
	OldPassword []byte
	NewPassword []byte // required unless NewCipher == "" (decrypt)
	NewCipher   string // e.g. "AES-XTS256-PLAIN64"; "" means decrypt
	NewKeyID    string

	// Passwords resolves a CRYPT/KeyId to its password when OldPassword
	// is not supplied directly: the Platform's in-memory secret store by
	// default, or a crypto.KeyVaultSource for cloud deployments.
	Passwords crypto.PasswordSource
}

// Encrypt builds a Task that rewrites every block of Target's chain under
// a new read/write filter pair: a read filter reconstructed from the
// existing keystore (if any) and a write filter authoring a fresh one, or
// no write filter at all when decrypting.
func (e *Engine) Encrypt(plat *platform.Platform, p EncryptParams) (*Task, error) {
	oldKeyStore, wasEncrypted := p.Target.Property(cryptPropKeyStore)
	oldAlgorithm, _ := p.Target.Property(cryptPropAlgorithm)

	if p.NewCipher != "" && len(p.NewPassword) == 0 {
		return nil, vderr.ErrPasswordRequired
	}
	if p.NewCipher == "" && !wasEncrypted {
		return nil, fmt.Errorf("%w: cannot clear a password from a medium that isn't encrypted", vderr.ErrInvalidObjectState)
	}

	// A directly-supplied password is authenticated up front so the caller
	// learns about a wrong password before the task ever runs; KeyId
	// resolution needs a context and happens inside execute.
	var readFilter *crypto.Filter
	if wasEncrypted && len(p.OldPassword) > 0 {
		rf, err := crypto.Open(oldAlgorithm, oldKeyStore, p.OldPassword)
		if err != nil {
			return nil, err
		}
		readFilter = rf
	}

	progress := NewProgress("encrypt medium")
	t := &Task{Name: "Encrypt", Medium: p.Target, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		if wasEncrypted && readFilter == nil {
			source := p.Passwords
			if source == nil {
				source = plat.Secrets
			}
			keyID, _ := p.Target.Property(cryptPropKeyID)
			password, err := source.Password(ctx, keyID)
			if err != nil {
				return err
			}
			rf, err := crypto.Open(oldAlgorithm, oldKeyStore, password)
			if err != nil {
				return err
			}
			readFilter = rf
		}

		list, err := locklist.Build(ctx, e.Tree, p.Target, e.QueryInfo,
			locklist.BuildOptions{LockAllWrite: true, FailIfInaccessible: true})
		if err != nil {
			return err
		}
		if err := list.Lock(false); err != nil {
			return err
		}
		defer list.Unlock()

		layers, closeAll, err := openChainLayers(ctx, plat.Registry, list, vdbackend.OpenNormal)
		if err != nil {
			return err
		}
		defer closeAll()

		var writeFilter *crypto.Filter
		var newKeyStoreBlob string
		if p.NewCipher != "" {
			wf, blob, err := crypto.NewKeyStore(p.NewCipher, p.NewPassword)
			if err != nil {
				return err
			}
			writeFilter = wf
			newKeyStoreBlob = blob
		}

		size, _ := p.Target.SizeAndLogicalSize()
		if err := rewriteEncrypted(ctx, layers, readFilter, writeFilter, size, progress); err != nil {
			return err
		}

		if p.NewCipher != "" {
			p.Target.SetProperty(cryptPropKeyStore, newKeyStoreBlob)
			p.Target.SetProperty(cryptPropKeyID, p.NewKeyID)
			p.Target.SetProperty(cryptPropAlgorithm, p.NewCipher)
			plat.Secrets.Add(p.NewKeyID, p.NewPassword)
		} else {
			if oldID, ok := p.Target.Property(cryptPropKeyID); ok {
				plat.Secrets.Delete(oldID)
			}
			p.Target.DeleteProperty(cryptPropKeyStore)
			p.Target.DeleteProperty(cryptPropKeyID)
			p.Target.DeleteProperty(cryptPropAlgorithm)
		}

		e.Log.Info("encrypted medium", zap.String("id", p.Target.ID.String()),
			zap.Bool("encrypting", p.NewCipher != ""))
		return nil
	}
	return t, nil
}

// rewriteEncrypted re-reads every sector under the old filter (or
// plaintext, if none) and re-writes it under the new filter (or
// plaintext), directly against the leaf layer.
func rewriteEncrypted(ctx context.Context, layers []vdisk.Layer, readFilter, writeFilter *crypto.Filter, size int64, progress *Progress) error {
	readDisk, err := vdisk.Open(layers, readFilter)
	if err != nil {
		return err
	}
	writeDisk, err := vdisk.Open(layers[:1], writeFilter)
	if err != nil {
		return err
	}

	buf := make([]byte, crypto.SectorSize*64) // 32 KiB chunks, sector-aligned
	var off int64
	for off < size {
		n := len(buf)
		if remaining := size - off; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := readDisk.Read(ctx, off, buf[:n]); err != nil {
			return err
		}
		if _, err := writeDisk.Write(ctx, off, buf[:n], 0); err != nil {
			return err
		}
		off += int64(n)

		if progress != nil {
			if size > 0 {
				progress.UpdateProgress(int(off * 100 / size))
			}
			if progress.IsCanceled() {
				return fmt.Errorf("%w: encrypt canceled", vderr.ErrGeneric)
			}
		}
	}
	return nil
}
