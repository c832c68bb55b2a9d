package transport

// End-of-transfer verification (ChunkReceiver.computeFileMerkleRoot) rebuilds the Merkle root from the
// received file's bytes on disk, chunk by chunk, rather than from the manifest's chunk hashes.
