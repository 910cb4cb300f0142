package models

// All returns every table the engine migrates, in dependency order
func All() []interface{} {
	return []interface{}{
		&Transaction{},
		&ProofJob{},
		&Nullifier{},
	}
}
