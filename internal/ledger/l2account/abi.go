package l2account

// contractABIJSON is the minimal ABI surface this adapter calls against
// the on-chain HTLC contract: create/claim/refund plus the view and
// event shapes needed to observe state. We hand-write this instead of
// depending on generated abigen bindings, since the adapter only ever
// needs these seven entries, not the full contract surface.
const contractABIJSON = `[
  {
    "type": "function",
    "name": "createSwap",
    "stateMutability": "payable",
    "inputs": [
      {"name": "swapId", "type": "bytes32"},
      {"name": "receiver", "type": "address"},
      {"name": "secretHash", "type": "bytes32"},
      {"name": "timelock", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "claim",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "swapId", "type": "bytes32"},
      {"name": "preimage", "type": "bytes32"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "refund",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "swapId", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getSwap",
    "stateMutability": "view",
    "inputs": [
      {"name": "swapId", "type": "bytes32"}
    ],
    "outputs": [
      {"name": "sender", "type": "address"},
      {"name": "receiver", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "claimedAmount", "type": "uint256"},
      {"name": "secretHash", "type": "bytes32"},
      {"name": "timelock", "type": "uint256"},
      {"name": "state", "type": "uint8"}
    ]
  },
  {
    "type": "event",
    "name": "SwapCreated",
    "inputs": [
      {"name": "swapId", "type": "bytes32", "indexed": true},
      {"name": "sender", "type": "address", "indexed": true},
      {"name": "receiver", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "secretHash", "type": "bytes32", "indexed": false},
      {"name": "timelock", "type": "uint256", "indexed": false}
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "Claimed",
    "inputs": [
      {"name": "swapId", "type": "bytes32", "indexed": true},
      {"name": "preimage", "type": "bytes32", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false}
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "Refunded",
    "inputs": [
      {"name": "swapId", "type": "bytes32", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ],
    "anonymous": false
  }
]`
