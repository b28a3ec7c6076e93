// Package crawler defines the platform-agnostic domain of the social crawler:
// entities harvested from platforms, the request envelope handed to signers,
// the PlatformDriver and Store contracts, and the shared error taxonomy.
package crawler
