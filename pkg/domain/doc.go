// Package domain defines the core types shared by the governance core and the
// runtime that embeds it.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of transport (no HTTP, gRPC, codec coupling)
// - Created by the invocation layer and read by the governance layer
// - Testable in isolation without mocks
//
// Other packages (config, policy, governance, qps) implement or consume the
// interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
