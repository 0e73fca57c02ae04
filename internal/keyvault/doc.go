// Package keyvault provides encrypted custody of agent signing keys: a
// scrypt-derived, AES-256-GCM sealed secret per identity, pluggable identity
// stores, and a one-shot signing capability so decrypted key material never
// outlives a single signing operation. It also defines the SignerProvider
// surface consumed by the scheduling layer, with the vault itself and an
// in-memory mock KMS as the two implementations.
package keyvault
