package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_balances (
	identity BYTEA NOT NULL,
	asset BYTEA NOT NULL,
	amount NUMERIC(78, 0) NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (identity, asset),

	CONSTRAINT identity_len CHECK (octet_length(identity) = 20),
	CONSTRAINT asset_len CHECK (octet_length(asset) = 20),
	CONSTRAINT amount_nonneg CHECK (amount >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_transfers (
	transfer_id UUID PRIMARY KEY,
	seq BIGSERIAL NOT NULL,
	asset BYTEA NOT NULL,
	from_identity BYTEA NOT NULL,
	to_address BYTEA NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT transfer_asset_len CHECK (octet_length(asset) = 20),
	CONSTRAINT transfer_from_len CHECK (octet_length(from_identity) = 20),
	CONSTRAINT transfer_to_len CHECK (octet_length(to_address) = 20),
	CONSTRAINT transfer_amount_nonneg CHECK (amount >= 0)
);

CREATE INDEX IF NOT EXISTS ledger_transfers_to_seq_idx ON ledger_transfers (to_address, seq DESC);

CREATE TABLE IF NOT EXISTS ledger_applied_refs (
	ref BYTEA PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT ref_len CHECK (octet_length(ref) = 32)
);
`
