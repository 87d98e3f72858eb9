package deployment

type (
	// File is the on-disk form of a fully resolved multi-chain deployment.
	File struct {
		Networks []Network `yaml:"networks"`
	}

	Network struct {
		ChainID        uint64        `yaml:"chain-id"`
		Nonce          uint64        `yaml:"nonce"`
		Executor       string        `yaml:"executor"`
		Safe           string        `yaml:"safe"`
		Module         string        `yaml:"module"`
		URI            string        `yaml:"uri"`
		ArbitraryChain bool          `yaml:"arbitrary-chain"`
		Transactions   []Transaction `yaml:"transactions"`
	}

	Transaction struct {
		To             string `yaml:"to"`
		Value          string `yaml:"value"`
		Data           string `yaml:"data"`
		Gas            uint64 `yaml:"gas"`
		Operation      string `yaml:"operation"`
		RequireSuccess *bool  `yaml:"require-success"`
	}

	// ProposalFile lists the governance actions to bundle into an auth tree.
	ProposalFile struct {
		Proposals []Proposal `yaml:"proposals"`
	}

	Proposal struct {
		ChainID       uint64      `yaml:"chain-id"`
		FirstProposal bool        `yaml:"first-proposal"`
		Proposers     []RoleDelta `yaml:"proposers"`
		Managers      []RoleDelta `yaml:"managers"`
		Upgrade       *Upgrade    `yaml:"upgrade"`
		CancelActive  bool        `yaml:"cancel-active"`
		Deployment    *Approval   `yaml:"deployment"`
	}

	RoleDelta struct {
		Member string `yaml:"member"`
		Add    bool   `yaml:"add"`
	}

	Upgrade struct {
		ManagerImpl string `yaml:"manager-impl"`
		ManagerData string `yaml:"manager-data"`
		AuthImpl    string `yaml:"auth-impl"`
		AuthData    string `yaml:"auth-data"`
	}

	Approval struct {
		Root            string `yaml:"root"`
		NumActions      uint64 `yaml:"num-actions"`
		URI             string `yaml:"uri"`
		RemoteExecution bool   `yaml:"remote-execution"`
	}
)
