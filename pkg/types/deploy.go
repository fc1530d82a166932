package types

// Gas counts metered execution cost. All gas arithmetic in the engine is
// unsigned and checked; runtime accounting saturates at a deploy's limit.
type Gas uint64

// NamedArg is one named deploy argument. Arguments keep their submission
// order; the order is part of the deploy identity.
type NamedArg struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Value CLValue
}

// NamedArgs is the ordered argument list of a deploy or contract call.
type NamedArgs []NamedArg

// Get returns the value of the argument with the given name.
func (a NamedArgs) Get(name string) (CLValue, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return CLValue{}, false
}

// Deploy is one execution request submitted against a state root.
type Deploy struct {
	_ struct{} `cbor:",toarray"`

	// Account is the account hash of the caller paying for the deploy.
	Account Digest

	// Session carries the session module bytes. Exactly one of Session and
	// StoredContract is populated.
	Session []byte

	// StoredContract references an installed contract to run instead of
	// session bytes.
	StoredContract *Key

	// Payment optionally carries a payment module run before the session.
	Payment []byte

	Args     NamedArgs
	GasLimit Gas
	GasPrice uint64
	Nonce    uint64
}

// Hash returns the deploy identity: blake2b over the canonical encoding.
func (d *Deploy) Hash() Digest {
	body, err := canonicalMarshal(d)
	if err != nil {
		// Deploy fields are all encodable types; a failure here is a
		// programming error, not an input error.
		panic(err)
	}
	return Blake2b(body)
}

// BySession reports whether the deploy runs raw session bytes.
func (d *Deploy) BySession() bool { return d.StoredContract == nil }
