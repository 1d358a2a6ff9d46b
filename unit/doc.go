// Package unit implements the exitprobe container format.
//
// This package contains:
//   - Opcode definitions and stack-effect metadata
//   - The Unit/Method model and its binary codec
//   - Bytecode builder, decoder and disassembler
//   - Stack map computation and the structural verifier
//   - A small text assembler used by tests and the CLI
//   - Byte sources that resolve container identifiers to bytes
package unit
