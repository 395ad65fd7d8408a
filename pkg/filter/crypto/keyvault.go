// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package crypto

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"

	"github.com/virtdisk/vdcore/internal/vderr"
)

// PasswordSource retrieves the password registered under a KeyId. The
// Encrypt operation resolves a medium's stored CRYPT/KeyId through one
// whenever the caller doesn't supply the password bytes directly.
type PasswordSource interface {
	Password(ctx context.Context, keyID string) ([]byte, error)
}

// KeyVaultSource resolves KeyIds against an Azure Key Vault, the cloud
// alternative to the in-memory store a Platform carries by default;
// KeyVault secret names are the filter's opaque KeyId values.
type KeyVaultSource struct {
	client *azsecrets.Client
}

func NewKeyVaultSource(client *azsecrets.Client) *KeyVaultSource {
	return &KeyVaultSource{client: client}
}

func (k *KeyVaultSource) Password(ctx context.Context, keyID string) ([]byte, error) {
	resp, err := k.client.GetSecret(ctx, keyID, "", nil)
	if err != nil {
		return nil, vderr.Backend("key vault secret retrieval failed for "+keyID, err)
	}
	if resp.Value == nil {
		return nil, vderr.ErrPasswordRequired
	}
	return []byte(*resp.Value), nil
}
