package merkle

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // sibling sits on the left of the running hash
}

// Proof is an inclusion proof for one certified artifact.
type Proof struct {
	Path  string      `json:"path"`
	Hash  string      `json:"hash"`
	Steps []ProofStep `json:"steps"`
}

// Prove builds the inclusion proof for path.
func (t *Tree) Prove(path string) (*Proof, error) {
	idx := -1
	for i, leaf := range t.Leaves {
		if leaf.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrPathNotCommitted
	}

	proof := &Proof{Path: path, Hash: t.Leaves[idx].Hash}
	pos := idx
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof.Steps = append(proof.Steps, ProofStep{
				Hash: level[sibling],
				Left: sibling < pos,
			})
		}
		pos /= 2
	}
	return proof, nil
}

// Verify checks an inclusion proof against a root.
func Verify(proof *Proof, root string) bool {
	if proof == nil {
		return false
	}
	running := leafHash(proof.Path, proof.Hash)
	for _, step := range proof.Steps {
		if step.Left {
			running = nodeHash(step.Hash, running)
		} else {
			running = nodeHash(running, step.Hash)
		}
	}
	return running == root
}
